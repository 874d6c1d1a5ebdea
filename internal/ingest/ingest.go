// Package ingest loads a channel's videos, comments and transcripts.
//
// The directory source expects one sub-directory per channel:
//
//	<dir>/<channel>/feed.xml              YouTube Atom feed of the channel
//	<dir>/<channel>/comments.json         array of comments
//	<dir>/<channel>/transcripts/<id>.txt  plain-text transcript, or
//	<dir>/<channel>/transcripts/<id>.html transcript page
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/TobiSchelling/GapFinder/internal/logger"
	"github.com/TobiSchelling/GapFinder/internal/model"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrInvalidChannel  = errors.New("invalid channel identifier")
)

// Channel is everything ingested for one job.
type Channel struct {
	ID       string
	Title    string
	Videos   []model.Video
	Comments []model.Comment
}

// Source loads the most recent sampleSize videos of a channel together with
// their comments and transcripts.
type Source interface {
	Load(ctx context.Context, channelID string, sampleSize int) (*Channel, error)
}

// DirSource reads channels from a local directory tree.
type DirSource struct {
	dir string
	log logger.Logger
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string, log logger.Logger) *DirSource {
	if log == nil {
		log = logger.NewNop()
	}
	return &DirSource{dir: dir, log: log}
}

// Load implements Source.
func (s *DirSource) Load(ctx context.Context, channelID string, sampleSize int) (*Channel, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" || channelID != filepath.Base(channelID) || strings.HasPrefix(channelID, ".") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, channelID)
	}
	root := filepath.Join(s.dir, channelID)

	f, err := os.Open(filepath.Join(root, "feed.xml"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
		}
		return nil, fmt.Errorf("opening feed: %w", err)
	}
	title, videos, err := parseFeed(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("parsing feed for %s: %w", channelID, err)
	}

	sort.SliceStable(videos, func(i, j int) bool {
		return videos[i].PublishDate.After(videos[j].PublishDate)
	})
	if sampleSize > 0 && len(videos) > sampleSize {
		videos = videos[:sampleSize]
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	comments, err := loadComments(filepath.Join(root, "comments.json"))
	if err != nil {
		return nil, err
	}

	sampled := make(map[string]int, len(videos))
	for i, v := range videos {
		sampled[v.ID] = i
	}
	kept := comments[:0]
	for _, c := range comments {
		i, ok := sampled[c.VideoID]
		if !ok {
			continue
		}
		videos[i].CommentCount++
		kept = append(kept, c)
	}

	missing := 0
	for i := range videos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := loadTranscript(filepath.Join(root, "transcripts"), videos[i].ID)
		if err != nil {
			s.log.Warn("transcript unreadable", logger.String("video_id", videos[i].ID), logger.Error(err))
		}
		if text == "" {
			missing++
		}
		videos[i].Transcript = text
	}

	s.log.Info("channel ingested",
		logger.String("channel_id", channelID),
		logger.Int("videos", len(videos)),
		logger.Int("comments", len(kept)),
		logger.Int("missing_transcripts", missing))

	return &Channel{ID: channelID, Title: title, Videos: videos, Comments: kept}, nil
}

func loadComments(path string) ([]model.Comment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading comments: %w", err)
	}

	var comments []model.Comment
	if err := json.Unmarshal(data, &comments); err != nil {
		return nil, fmt.Errorf("parsing comments: %w", err)
	}

	seen := make(map[string]bool, len(comments))
	out := comments[:0]
	for _, c := range comments {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out, nil
}
