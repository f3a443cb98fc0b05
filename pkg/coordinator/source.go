package coordinator

import (
	"context"
	"errors"

	"github.com/foXaCe/enphase-battery/pkg/enlighten"
	"github.com/foXaCe/enphase-battery/pkg/envoy"
	"github.com/foXaCe/enphase-battery/pkg/types"
)

// ErrUnsupportedMutation is returned for setting changes the active source
// cannot perform. The local gateway exposes no documented write endpoints,
// so all mutations on the local source fail with it.
var ErrUnsupportedMutation = errors.New("operation not supported by this source")

// Source is one battery data source. Session state lives inside the source;
// the coordinator only ever asks whether a session exists, establishes one,
// or drops it after an auth-class failure.
type Source interface {
	Name() string
	Authenticate(ctx context.Context) error
	Ready() bool
	Reset()
	Fetch(ctx context.Context) (*types.BatteryRecord, error)

	SetMode(ctx context.Context, mode string) error
	SetBackupReserve(ctx context.Context, percent float64) error
	SetVeryLowSOC(ctx context.Context, percent float64) error
	SetChargeFromGrid(ctx context.Context, enabled bool) error
	SetDischargeToGrid(ctx context.Context, enabled bool) error
	SetReserveDischarge(ctx context.Context, enabled bool) error

	Close() error
}

// CloudSource adapts the Enlighten client to the Source interface.
type CloudSource struct {
	client  *enlighten.Client
	creds   *types.CloudCredentials
	session *enlighten.Session
}

func NewCloudSource(client *enlighten.Client, creds *types.CloudCredentials) *CloudSource {
	return &CloudSource{client: client, creds: creds}
}

func (s *CloudSource) Name() string { return string(types.SourceCloud) }

func (s *CloudSource) Authenticate(ctx context.Context) error {
	session, err := s.client.Authenticate(ctx, s.creds)
	if err != nil {
		return err
	}
	s.session = session
	return nil
}

func (s *CloudSource) Ready() bool { return s.session != nil }
func (s *CloudSource) Reset()      { s.session = nil }

func (s *CloudSource) Fetch(ctx context.Context) (*types.BatteryRecord, error) {
	if s.session == nil {
		return nil, types.ErrNotInitialized
	}
	return s.client.FetchStatus(ctx, s.session)
}

// StreamToken fetches push-channel credentials for the current session.
func (s *CloudSource) StreamToken(ctx context.Context) (string, error) {
	if s.session == nil {
		return "", types.ErrNotInitialized
	}
	return s.client.StreamToken(ctx, s.session)
}

func (s *CloudSource) SetMode(ctx context.Context, mode string) error {
	return s.client.SetMode(ctx, s.session, mode)
}

func (s *CloudSource) SetBackupReserve(ctx context.Context, percent float64) error {
	return s.client.SetBackupReserve(ctx, s.session, percent)
}

func (s *CloudSource) SetVeryLowSOC(ctx context.Context, percent float64) error {
	return s.client.SetVeryLowSOC(ctx, s.session, percent)
}

func (s *CloudSource) SetChargeFromGrid(ctx context.Context, enabled bool) error {
	return s.client.SetChargeFromGrid(ctx, s.session, enabled)
}

func (s *CloudSource) SetDischargeToGrid(ctx context.Context, enabled bool) error {
	return s.client.SetDischargeToGrid(ctx, s.session, enabled)
}

func (s *CloudSource) SetReserveDischarge(ctx context.Context, enabled bool) error {
	return s.client.SetReserveDischarge(ctx, s.session, enabled)
}

func (s *CloudSource) Close() error { return s.client.Close() }

// LocalSource adapts the gateway client to the Source interface. The
// gateway is read-only; settings changes have to go through the cloud.
type LocalSource struct {
	client  *envoy.Client
	creds   *types.LocalCredentials
	session *envoy.Session
}

func NewLocalSource(client *envoy.Client, creds *types.LocalCredentials) *LocalSource {
	return &LocalSource{client: client, creds: creds}
}

func (s *LocalSource) Name() string { return string(types.SourceLocal) }

func (s *LocalSource) Authenticate(ctx context.Context) error {
	session, err := s.client.Authenticate(ctx, s.creds)
	if err != nil {
		return err
	}
	s.session = session
	return nil
}

func (s *LocalSource) Ready() bool { return s.session != nil }
func (s *LocalSource) Reset()      { s.session = nil }

func (s *LocalSource) Fetch(ctx context.Context) (*types.BatteryRecord, error) {
	if s.session == nil {
		return nil, types.ErrNotInitialized
	}
	return s.client.FetchStatus(ctx, s.session)
}

func (s *LocalSource) SetMode(context.Context, string) error { return ErrUnsupportedMutation }

func (s *LocalSource) SetBackupReserve(context.Context, float64) error {
	return ErrUnsupportedMutation
}

func (s *LocalSource) SetVeryLowSOC(context.Context, float64) error {
	return ErrUnsupportedMutation
}

func (s *LocalSource) SetChargeFromGrid(context.Context, bool) error {
	return ErrUnsupportedMutation
}

func (s *LocalSource) SetDischargeToGrid(context.Context, bool) error {
	return ErrUnsupportedMutation
}

func (s *LocalSource) SetReserveDischarge(context.Context, bool) error {
	return ErrUnsupportedMutation
}

func (s *LocalSource) Close() error { return s.client.Close() }
