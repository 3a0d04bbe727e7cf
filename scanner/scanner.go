// Package scanner discovers files on a disk and submits registration jobs for
// the ones the database doesn't know yet.
package scanner

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/facette/natsort"
	"go.uber.org/zap"

	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/media"
	"github.com/camden-git/mediapipeline/pipeline"
	"github.com/camden-git/mediapipeline/repository"
)

// Dispatcher is the part of pipeline.Dispatcher the scanner needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, p pipeline.Payload) pipeline.Status
}

// Result counts what a scan did.
type Result struct {
	Directories int                     `json:"directories"`
	Files       int                     `json:"files"`
	Known       int                     `json:"known"`
	Skipped     int                     `json:"skipped"`
	Dispatched  map[pipeline.Status]int `json:"dispatched"`
}

type Scanner struct {
	disks      *media.Disks
	images     *repository.ImageRepository
	dispatcher Dispatcher
	logger     *zap.Logger
}

func New(disks *media.Disks, images *repository.ImageRepository, dispatcher Dispatcher, logger *zap.Logger) *Scanner {
	return &Scanner{
		disks:      disks,
		images:     images,
		dispatcher: dispatcher,
		logger:     logging.OrNop(logger).Named("scanner"),
	}
}

// Scan walks dir (relative to the disk root, "" or "." for the root) and
// submits an image job for every unseen raster file. Entries are visited in
// natural filename order.
func (s *Scanner) Scan(ctx context.Context, disk, dir string) (Result, error) {
	res := Result{Dispatched: map[pipeline.Status]int{}}
	root, err := s.disks.Root(disk)
	if err != nil {
		return res, err
	}
	rel := path.Clean("/" + filepath.ToSlash(dir))[1:]
	if rel == "" {
		rel = "."
	}
	if _, err := s.disks.Resolve(disk, rel); err != nil {
		return res, err
	}
	err = s.walk(ctx, disk, root, rel, &res)
	s.logger.Info("scan finished",
		zap.String("disk", disk),
		zap.String("dir", rel),
		zap.Int("files", res.Files),
		zap.Int("known", res.Known),
		zap.Int("skipped", res.Skipped),
		zap.Any("dispatched", res.Dispatched))
	return res, err
}

func (s *Scanner) walk(ctx context.Context, disk, root, rel string, res *Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	entries, err := os.ReadDir(full)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", full, err)
	}
	res.Directories++

	byName := make(map[string]os.DirEntry, len(entries))
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		byName[e.Name()] = e
		names = append(names, e.Name())
	}
	natsort.Sort(names)

	for _, name := range names {
		entry := byName[name]
		child := path.Join(rel, name)
		if entry.IsDir() {
			if err := s.walk(ctx, disk, root, child, res); err != nil {
				return err
			}
			continue
		}
		if !entry.Type().IsRegular() || !media.IsRasterImage(name) {
			continue
		}
		res.Files++
		if err := s.file(ctx, disk, rel, name, res); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) file(ctx context.Context, disk, dir, name string, res *Result) error {
	known, err := s.images.ExistsByLocation(ctx, disk, dir, name)
	if err != nil {
		return err
	}
	if known {
		res.Known++
		return nil
	}

	log := s.logger.With(zap.String("disk", disk), zap.String("path", dir), zap.String("filename", name))
	f, err := s.disks.Open(disk, dir, name)
	if err != nil {
		log.Warn("cannot open file, skipping", zap.Error(err))
		res.Skipped++
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		log.Warn("cannot stat file, skipping", zap.Error(err))
		res.Skipped++
		return nil
	}
	fp, err := media.Fingerprint(f)
	if err != nil {
		log.Warn("cannot hash file, skipping", zap.Error(err))
		res.Skipped++
		return nil
	}
	if fp.Size == 0 || fp.Width == 0 || fp.Height == 0 {
		log.Debug("not a decodable image, skipping")
		res.Skipped++
		return nil
	}

	mod := info.ModTime().Unix()
	status := s.dispatcher.Dispatch(ctx, pipeline.ImagePayload{
		SourceDisk:     disk,
		SourcePath:     dir,
		SourceFilename: name,
		Width:          fp.Width,
		Height:         fp.Height,
		Size:           fp.Size,
		Hash:           fp.Hash,
		CreatedAtFile:  mod,
		UpdatedAtFile:  mod,
	})
	res.Dispatched[status]++
	return nil
}
