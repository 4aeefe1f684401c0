package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"tsgrab/internal/logger"
	"tsgrab/internal/network"
	"tsgrab/internal/playlist"
)

// loadManifest fetches the media playlist at locator. A master playlist is
// resolved to the variant matching quality first.
func loadManifest(ctx context.Context, client *network.Client, log logger.Logger, locator, quality string) (*playlist.Manifest, error) {
	base, err := url.Parse(locator)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest url '%s': %w", locator, err)
	}
	data, err := client.GetWithSession(ctx, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}

	m, err := playlist.DecodeWithBase(bytes.NewReader(data), base)
	if !errors.Is(err, playlist.ErrMasterPlaylist) {
		return m, err
	}

	variants, err := playlist.DecodeMaster(bytes.NewReader(data), base)
	if err != nil {
		return nil, err
	}
	v, err := playlist.SelectVariant(variants, quality)
	if err != nil {
		return nil, err
	}
	log.Infof("Selected variant %s (%d bps, %dp)", v.URI, v.Bandwidth, v.Height)

	variantURL, err := url.Parse(v.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid variant url '%s': %w", v.URI, err)
	}
	data, err = client.GetWithSession(ctx, v.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch variant playlist: %w", err)
	}
	return playlist.DecodeWithBase(bytes.NewReader(data), variantURL)
}

// identityFor derives a stable identity from the manifest locator so the same
// episode always maps to the same progress directory.
func identityFor(locator string) string {
	sum := sha256.Sum256([]byte(locator))
	return hex.EncodeToString(sum[:8])
}
