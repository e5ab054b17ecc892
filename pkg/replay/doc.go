// Package replay provides a robust, fault-tolerant instant-replay capture
// pipeline. This package implements rolling time-windowed buffers of encoded
// video and audio with on-demand clip extraction, enhanced error handling,
// structured logging, and metrics collection.
//
// # Core Components
//
// The pipeline consists of several key components:
//
//   - ReplayPipeline: Central coordinator that manages the entire capture session
//   - FrameRingBuffer: Rolling window of encoded video frames with keyframe-anchored extraction
//   - AudioSampleBuffer: Rolling window of encoded audio samples with bounded growth
//   - AudioMixer: Multi-source PCM mixer with resampling and per-source volume
//   - Structured Logging: JSON/text logging with configurable levels and fields
//   - Metrics Collection: Per-session metrics tracking for performance monitoring
//   - Configuration Management: Flexible configuration with validation and environment variable support
//   - Error Classification: Systematic error categorization and handling
//   - State Management: Well-defined pipeline states with an explicit legal-transition table
//
// # Architecture
//
// The pipeline follows a single-owner model: one goroutine (the buffer loop)
// owns all mutable pipeline state and sequences capture, encoding, audio
// feeding, and saving. Saves run synchronously on that goroutine against
// deep copies of both buffers, so capture state is never disturbed by a
// failed save. Timestamps are synthetic 100-nanosecond ticks computed from
// the frame index, decoupling presentation timing from capture jitter.
//
// Liveness is delegated to the health package: each worker goroutine beats
// a heartbeat registry, and a monitor classifies silence into soft and hard
// stalls. A hung teardown is resolved by orphaning the encoder handle into
// a zombie registry rather than blocking the caller forever.
//
// # Usage Example
//
//	// Create configuration
//	config := replay.DefaultReplayConfig()
//	config.LoadFromEnvironment()
//
//	// Create logger
//	logger := replay.NewStructuredLogger(config.Logging)
//
//	// Create pipeline
//	pipeline, err := replay.NewReplayPipeline(config, caps, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Start capturing
//	if err := pipeline.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	// Save the last window on demand
//	result, err := pipeline.SaveAsync("/clips/replay.krpl")
//	if err == nil {
//		fmt.Println(<-result)
//	}
//
//	// Stop capturing
//	_ = pipeline.Stop()
package replay
