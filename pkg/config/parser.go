package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/goccy/go-yaml"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ParseConfig parses an eksboot.yaml file. Unknown keys are rejected so that
// a misspelled setting does not silently fall back to its default.
func ParseConfig(ctx context.Context, filePath string) (*Config, error) {
	tracer := otel.Tracer("eks-bootstrap")
	_, span := tracer.Start(ctx, "config.ParseConfig")
	defer span.End()

	span.SetAttributes(attribute.String("config.file", filePath))

	data, err := os.ReadFile(filePath)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	var config Config
	if err := yaml.UnmarshalWithOptions(data, &config, yaml.DisallowUnknownField()); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	span.SetAttributes(attribute.String("config.region", config.Region))

	return &config, nil
}

// Load returns Default overlaid with filePath. A missing file is only an
// error when explicit is set, so the default eksboot.yaml stays optional.
func Load(ctx context.Context, filePath string, explicit bool) (*Config, error) {
	cfg := Default()
	if filePath == "" {
		return cfg, nil
	}

	fileCfg, err := ParseConfig(ctx, filePath)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}

	cfg.Merge(fileCfg)
	return cfg, nil
}
