package ingest

import (
	"io"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/GapFinder/internal/model"
)

const videoGUIDPrefix = "yt:video:"

// parseFeed reads a YouTube channel Atom feed.
func parseFeed(r io.Reader) (string, []model.Video, error) {
	feed, err := gofeed.NewParser().Parse(r)
	if err != nil {
		return "", nil, err
	}

	var videos []model.Video
	seen := make(map[string]bool)
	for _, item := range feed.Items {
		v := parseItem(item)
		if v == nil || seen[v.ID] {
			continue
		}
		seen[v.ID] = true
		videos = append(videos, *v)
	}
	return strings.TrimSpace(feed.Title), videos, nil
}

func parseItem(item *gofeed.Item) *model.Video {
	id := videoID(item)
	if id == "" {
		return nil
	}

	title := strings.TrimSpace(item.Title)
	if title == "" {
		return nil
	}

	v := &model.Video{ID: id, Title: title}
	if item.PublishedParsed != nil {
		v.PublishDate = item.PublishedParsed.UTC()
	} else if item.UpdatedParsed != nil {
		v.PublishDate = item.UpdatedParsed.UTC()
	}
	return v
}

// videoID prefers the yt:videoId extension and falls back to the entry id.
func videoID(item *gofeed.Item) string {
	if yt, ok := item.Extensions["yt"]; ok {
		if vals := yt["videoId"]; len(vals) > 0 {
			if id := strings.TrimSpace(vals[0].Value); id != "" {
				return id
			}
		}
	}
	if strings.HasPrefix(item.GUID, videoGUIDPrefix) {
		return strings.TrimPrefix(item.GUID, videoGUIDPrefix)
	}
	return ""
}
