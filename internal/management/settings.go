package management

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/doughall/linuxrmm/management/internal/conffile"
	"github.com/doughall/linuxrmm/management/internal/rpc"
)

func (s *Service) settingArgs(p rpc.Params, n int) (file, key string, err error) {
	if err := p.Expect(n, n); err != nil {
		return "", "", err
	}
	if file, err = p.String(0); err != nil {
		return "", "", err
	}
	if key, err = p.String(1); err != nil {
		return "", "", err
	}
	if !slices.Contains(s.cfg.AllowedKeys(file), key) {
		return "", "", rpc.NewFault(rpc.FaultNotAllowed, "This setting is not in the whitelist.")
	}
	return file, key, nil
}

// getConfigurationEntry returns the value of a whitelisted setting, or an
// empty string when the key is not set.
func (s *Service) getConfigurationEntry(_ context.Context, p rpc.Params) (any, error) {
	file, key, err := s.settingArgs(p, 2)
	if err != nil {
		return nil, err
	}
	value, _, err := conffile.Get(file, key)
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Service) setConfigurationEntry(ctx context.Context, p rpc.Params) (any, error) {
	file, key, err := s.settingArgs(p, 3)
	if err != nil {
		return nil, err
	}
	value, err := p.String(2)
	if err != nil {
		return nil, err
	}

	s.gate.Acquire()
	defer s.gate.Release()

	if err := conffile.Set(file, key, value); err != nil {
		if errors.Is(err, conffile.ErrInvalidValue) {
			return nil, rpc.NewFault(rpc.FaultWrongParams, "Invalid value.")
		}
		return nil, fmt.Errorf("failed to write setting: %w", err)
	}
	s.logger.Info("setting changed",
		slog.String("file", file),
		slog.String("key", key),
		slog.String("request_id", rpc.RequestID(ctx)),
	)
	return true, nil
}
