package coordinator

import (
	"fmt"

	"github.com/levenlabs/go-lflag"

	"github.com/foXaCe/enphase-battery/pkg/config"
	"github.com/foXaCe/enphase-battery/pkg/enlighten"
	"github.com/foXaCe/enphase-battery/pkg/envoy"
	"github.com/foXaCe/enphase-battery/pkg/push"
	"github.com/foXaCe/enphase-battery/pkg/types"
)

// Configured builds a coordinator whose source comes from the config. The
// source is constructed once flags are parsed, after the config itself has
// been populated.
func Configured(cfg *config.Config) *Coordinator {
	c := &Coordinator{
		refreshC: make(chan struct{}, 1),
	}
	c.state.Store(StateUninitialized)

	lflag.Do(func() {
		if err := cfg.Validate(); err != nil {
			panic(fmt.Errorf("invalid configuration: %w", err))
		}
		creds := cfg.Credentials()
		switch types.Source(cfg.Source) {
		case types.SourceLocal:
			c.source = NewLocalSource(envoy.NewClient(), creds.Local)
			c.interval = localInterval
		case types.SourceCloud:
			src := NewCloudSource(enlighten.NewClient(), creds.Cloud)
			c.source = src
			c.interval = cloudPollInterval
			if cfg.Push.Enabled {
				c.push = push.New(src.StreamToken)
				c.interval = cloudBackupPoll
			}
		}
	})
	return c
}
