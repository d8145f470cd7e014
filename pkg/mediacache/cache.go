// weft - a Matrix chat client backend.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package mediacache downloads mxc:// media to a local content-addressed
// cache directory and produces scaled thumbnails for image payloads.
package mediacache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	"maunium.net/go/mautrix/id"

	"github.com/weftchat/weft/pkg/matrix"
)

// thumbMaxSide caps the longest side of generated thumbnails.
const thumbMaxSide = 800

// Cache maps mxc URIs to files on disk. Filenames are derived from the
// URI hash, so a URI is downloaded at most once; Matrix media content is
// immutable per URI.
type Cache struct {
	dir       string
	transport *matrix.Transport
	log       zerolog.Logger

	// inflight deduplicates concurrent fetches of the same URI.
	inflightMu sync.Mutex
	inflight   map[string]*sync.WaitGroup
}

func New(dir string, transport *matrix.Transport, log zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create media cache directory: %w", err)
	}
	return &Cache{
		dir:       dir,
		transport: transport,
		log:       log.With().Str("component", "mediacache").Logger(),
		inflight:  make(map[string]*sync.WaitGroup),
	}, nil
}

// Fetch returns the local path for an mxc URI, downloading it on a cache
// miss. A 404 from the media repo is not an error: avatars get unset and
// old media expires, so the caller receives an empty path and renders
// without the file.
func (c *Cache) Fetch(ctx context.Context, rawURI string) (string, error) {
	uri, err := id.ParseContentURI(rawURI)
	if err != nil {
		return "", fmt.Errorf("invalid media URI %q: %w", rawURI, err)
	}

	done := c.acquire(rawURI)
	defer done()

	if path := c.find(rawURI); path != "" {
		return path, nil
	}

	data, err := c.transport.DownloadMedia(ctx, uri)
	if err != nil {
		if matrix.IsNotFound(err) {
			c.log.Debug().Str("uri", rawURI).Msg("Media not found on server")
			return "", nil
		}
		return "", fmt.Errorf("failed to download media: %w", err)
	}

	path := c.pathFor(rawURI, mimetype.Detect(data).Extension())
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write cached media: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to move cached media into place: %w", err)
	}
	c.log.Debug().
		Str("uri", rawURI).
		Int("size", len(data)).
		Str("path", path).
		Msg("Media downloaded and cached")
	return path, nil
}

// Thumbnail returns the path of a scaled JPEG thumbnail for an image URI,
// fetching and scaling on demand. Non-image content returns an empty path.
func (c *Cache) Thumbnail(ctx context.Context, rawURI string) (string, error) {
	thumbPath := filepath.Join(c.dir, hashName(rawURI)+"_thumb.jpg")
	if _, err := os.Stat(thumbPath); err == nil {
		return thumbPath, nil
	}

	srcPath, err := c.Fetch(ctx, rawURI)
	if err != nil || srcPath == "" {
		return "", err
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return "", err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// Not a decodable image (e.g. a video or document). No thumbnail.
		return "", nil
	}

	encoded, err := scaleToJPEG(img)
	if err != nil {
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	if err = os.WriteFile(thumbPath, encoded, 0o600); err != nil {
		return "", fmt.Errorf("failed to write thumbnail: %w", err)
	}
	return thumbPath, nil
}

// find returns the cached path for a URI regardless of which extension it
// was stored under.
func (c *Cache) find(rawURI string) string {
	matches, _ := filepath.Glob(filepath.Join(c.dir, hashName(rawURI)+".*"))
	for _, match := range matches {
		if filepath.Ext(match) != ".tmp" {
			return match
		}
	}
	return ""
}

func (c *Cache) pathFor(rawURI, ext string) string {
	if ext == "" {
		ext = ".bin"
	}
	return filepath.Join(c.dir, hashName(rawURI)+ext)
}

// acquire serializes fetches of one URI across goroutines. The returned
// function releases the slot.
func (c *Cache) acquire(rawURI string) func() {
	for {
		c.inflightMu.Lock()
		wg, busy := c.inflight[rawURI]
		if !busy {
			wg = &sync.WaitGroup{}
			wg.Add(1)
			c.inflight[rawURI] = wg
			c.inflightMu.Unlock()
			return func() {
				c.inflightMu.Lock()
				delete(c.inflight, rawURI)
				c.inflightMu.Unlock()
				wg.Done()
			}
		}
		c.inflightMu.Unlock()
		wg.Wait()
	}
}

func hashName(rawURI string) string {
	sum := sha256.Sum256([]byte(rawURI))
	return hex.EncodeToString(sum[:16])
}

// scaleToJPEG scales an image so its longest side is at most thumbMaxSide
// and encodes it as JPEG. Images already within bounds are re-encoded
// without scaling.
func scaleToJPEG(img image.Image) ([]byte, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > thumbMaxSide || h > thumbMaxSide {
		scale := float64(thumbMaxSide) / float64(w)
		if h > w {
			scale = float64(thumbMaxSide) / float64(h)
		}
		dstW, dstH := int(float64(w)*scale), int(float64(h)*scale)
		if dstW < 1 {
			dstW = 1
		}
		if dstH < 1 {
			dstH = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
