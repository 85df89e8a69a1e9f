package ml

import (
	"errors"
	"fmt"

	"watchpost/core"
)

// Feature names produced by NetworkFeatureExtractor, in vector order.
const (
	FeatureSrcIPLength = "src_ip_length"
	FeatureDstIPLength = "dst_ip_length"
	FeatureDstPort     = "dst_port"
	FeatureSuccess     = "success"
)

// FeatureExtractor turns an event into a fixed-width numeric vector.
// Every vector returned by one extractor has len(Names()) entries.
type FeatureExtractor interface {
	Names() []string
	Extract(event core.Event) ([]float64, error)
}

// NetworkFeatureExtractor builds the connection-shape vector: lengths of the
// source and destination address strings, the destination port and the
// success flag. The source IP is required; the other fields default to zero
// when absent but are rejected when present and malformed.
type NetworkFeatureExtractor struct{}

// Names returns the feature names in vector order.
func (NetworkFeatureExtractor) Names() []string {
	return []string{FeatureSrcIPLength, FeatureDstIPLength, FeatureDstPort, FeatureSuccess}
}

// Extract returns the feature vector for event.
func (NetworkFeatureExtractor) Extract(event core.Event) ([]float64, error) {
	src, err := event.SrcIP()
	if err != nil {
		return nil, err
	}

	dst, err := event.Fields.String(core.FieldDstIP)
	if err != nil && !errors.Is(err, core.ErrFieldMissing) {
		return nil, err
	}

	port, err := event.Fields.Int(core.FieldDstPort)
	switch {
	case errors.Is(err, core.ErrFieldMissing):
		port = 0
	case err != nil:
		return nil, err
	case port < 0 || port > 65535:
		return nil, fmt.Errorf("%w: %s: %d out of range", core.ErrFieldMalformed, core.FieldDstPort, port)
	}

	success, err := event.Fields.Bool(core.FieldSuccess)
	if err != nil && !errors.Is(err, core.ErrFieldMissing) {
		return nil, err
	}

	vec := []float64{float64(len(src)), float64(len(dst)), float64(port), 0}
	if success {
		vec[3] = 1
	}
	return vec, nil
}
