// Package media acquires the local audio/video stream from the platform
// devices. The camera and microphone are scarce, exclusively-owned handles:
// a stream acquired here must always be released through Release, including
// on abnormal call teardown paths.
package media

import (
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter

	"github.com/EpochX-sol/health-connect-core/internal/models"
)

// NewCodecSelector builds the opus+VP8 codec selector used for every call.
// Bitrates are tuned for a 1:1 consultation, not screen-share quality.
func NewCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.KeyFrameInterval = 15

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// Acquire opens the microphone, and for video calls the camera, returning
// the live stream. A denied or missing device surfaces as an error before
// any peer connection exists; call setup aborts on it.
func Acquire(callType models.CallType, selector *mediadevices.CodecSelector) (mediadevices.MediaStream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: selector,
	}
	if callType == models.CallTypeVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
			c.FrameRate = prop.Float(30)
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	return stream, nil
}

// Tracks adapts the stream for attachment to peer connections.
func Tracks(stream mediadevices.MediaStream) []webrtc.TrackLocal {
	tracks := stream.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out
}

// Release stops every track and returns the devices to the platform.
// Safe to call on an already-released stream.
func Release(stream mediadevices.MediaStream) {
	if stream == nil {
		return
	}
	for _, track := range stream.GetTracks() {
		_ = track.Close()
	}
}
