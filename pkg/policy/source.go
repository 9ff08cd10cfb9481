// Package policy provides the result filter policy sources.
package policy

import (
	"context"

	"hwselftest/pkg/model"
)

// StaticSource serves a policy taken from local configuration.
type StaticSource struct {
	Config model.FilterConfig
}

func (s StaticSource) FilterConfig(context.Context) (model.FilterConfig, error) {
	return s.Config, nil
}
