package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"hwselftest/pkg/model"
)

// DefaultConsulPrefix is where the result filter keys live in Consul KV.
const DefaultConsulPrefix = "hwselftest/resultfilter/"

// Keys under the prefix.
const (
	KeyEnable          = "Enable"
	KeyQueueDepth      = "QueueDepth"
	KeyFilterParams    = "FilterParams"
	KeyResultsFiltered = "ResultsFiltered"
)

// ConsulSource reads the filter policy from Consul KV, one key per field.
type ConsulSource struct {
	cli    *consulapi.Client
	prefix string
}

func NewConsulSource(addr, token, prefix string) (*ConsulSource, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if token != "" {
		cfg.Token = token
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = DefaultConsulPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &ConsulSource{cli: cli, prefix: prefix}, nil
}

// FilterConfig fetches all four keys. Missing keys keep their zero value; any
// transport error fails the whole fetch.
func (s *ConsulSource) FilterConfig(ctx context.Context) (model.FilterConfig, error) {
	var cfg model.FilterConfig
	enable, err := s.get(ctx, KeyEnable)
	if err != nil {
		return cfg, err
	}
	cfg.Enabled = parseBool(enable)
	if !cfg.Enabled {
		return cfg, nil
	}
	depth, err := s.get(ctx, KeyQueueDepth)
	if err != nil {
		return cfg, err
	}
	if n, err := strconv.Atoi(depth); err == nil {
		cfg.QueueDepth = n
	}
	if cfg.FilterParams, err = s.get(ctx, KeyFilterParams); err != nil {
		return cfg, err
	}
	filtered, err := s.get(ctx, KeyResultsFiltered)
	if err != nil {
		return cfg, err
	}
	cfg.ResultsFiltered = parseBool(filtered)
	return cfg, nil
}

func (s *ConsulSource) get(ctx context.Context, key string) (string, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	kv, _, err := s.cli.KV().Get(s.prefix+key, q)
	if err != nil {
		return "", fmt.Errorf("consul get %s: %w", s.prefix+key, err)
	}
	if kv == nil {
		return "", nil
	}
	return strings.TrimSpace(string(kv.Value)), nil
}

// Watch blocks on the prefix and calls onChange whenever its index moves.
// The new policy is picked up by the next run; nothing is applied mid-run.
func (s *ConsulSource) Watch(ctx context.Context, onChange func()) {
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		q := (&consulapi.QueryOptions{WaitIndex: last, WaitTime: time.Minute}).WithContext(ctx)
		_, meta, err := s.cli.KV().List(s.prefix, q)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if meta.LastIndex != last {
			if last != 0 {
				onChange()
			}
			last = meta.LastIndex
		}
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.ToLower(s))
	return err == nil && b
}
