// Package store persists connection setups so they survive restarts, and
// imports the connections file given at startup.
package store

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gluk-w/claworc/nodelink/internal/config"
	"github.com/gluk-w/claworc/nodelink/internal/connection"
	"github.com/gluk-w/claworc/nodelink/internal/database"
	"github.com/gluk-w/claworc/nodelink/internal/sshsetup"
)

// Connections mirrors the network connection setups into the database.
type Connections struct {
	connection.NopListener
	logger *zap.Logger
}

func NewConnections(logger *zap.Logger) *Connections {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connections{logger: logger}
}

func (c *Connections) OnCreated(s *connection.Setup) {
	rec := &database.ConnectionRecord{
		Address:          s.ContactPoint().Address(),
		Name:             s.Name(),
		Definition:       s.Definition(),
		ConnectOnStartup: s.ConnectOnStartup(),
	}
	if err := database.SaveConnection(rec); err != nil {
		c.logger.Error("failed to persist connection setup", zap.Int64("setup", s.ID()), zap.Error(err))
	}
}

func (c *Connections) OnDisposed(s *connection.Setup) {
	if err := database.DeleteConnection(s.ContactPoint().Address()); err != nil {
		c.logger.Error("failed to delete connection setup", zap.Int64("setup", s.ID()), zap.Error(err))
	}
}

// SSH mirrors the SSH connection setups into the database.
type SSH struct {
	sshsetup.NopListener
	logger *zap.Logger
}

func NewSSH(logger *zap.Logger) *SSH {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSH{logger: logger}
}

// OnCollectionChanged covers creation, edits and passphrase flag changes.
func (l *SSH) OnCollectionChanged(setups []*sshsetup.Setup) {
	for _, s := range setups {
		l.save(s)
	}
}

// OnConnected persists the host key pinned by the first connection.
func (l *SSH) OnConnected(s *sshsetup.Setup) { l.save(s) }

func (l *SSH) OnDisposed(s *sshsetup.Setup) {
	if err := database.DeleteSSH(s.ID()); err != nil {
		l.logger.Error("failed to delete ssh setup", zap.String("ssh_setup", s.ID()), zap.Error(err))
	}
}

func (l *SSH) save(s *sshsetup.Setup) {
	p := s.Params()
	rec := &database.SSHRecord{
		ID:                 s.ID(),
		Name:               p.Name,
		Host:               p.Host,
		Port:               p.Port,
		User:               p.User,
		KeyFile:            p.KeyFile,
		UsePassphrase:      p.UsePassphrase,
		StorePassphrase:    p.StorePassphrase,
		ConnectOnStartup:   p.ConnectOnStartup,
		AutoRetry:          p.AutoRetry,
		HostKeyFingerprint: p.HostKeyFingerprint,
	}
	if err := database.SaveSSH(rec); err != nil {
		l.logger.Error("failed to persist ssh setup", zap.String("ssh_setup", s.ID()), zap.Error(err))
	}
}

// LoadConnections recreates the persisted network connection setups. Setups
// that no longer parse are logged and skipped.
func LoadConnections(reg *connection.Registry, logger *zap.Logger) (int, error) {
	recs, err := database.ListConnections()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if _, err := reg.CreateSetupFromDefinition(rec.Definition, rec.Name, rec.ConnectOnStartup); err != nil {
			logger.Warn("skipping stored connection", zap.String("definition", rec.Definition), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// LoadSSH recreates the persisted SSH setups under their stored ids.
func LoadSSH(svc *sshsetup.Service, logger *zap.Logger) (int, error) {
	recs, err := database.ListSSH()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		_, err := svc.RestoreSetup(rec.ID, sshsetup.Params{
			Name:               rec.Name,
			Host:               rec.Host,
			Port:               rec.Port,
			User:               rec.User,
			KeyFile:            rec.KeyFile,
			UsePassphrase:      rec.UsePassphrase,
			StorePassphrase:    rec.StorePassphrase,
			ConnectOnStartup:   rec.ConnectOnStartup,
			AutoRetry:          rec.AutoRetry,
			HostKeyFingerprint: rec.HostKeyFingerprint,
		})
		if err != nil {
			logger.Warn("skipping stored ssh setup", zap.String("ssh_setup", rec.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// Restore recreates the persisted setups and then attaches the listeners
// that keep the database in sync. Restored setups are not written back.
func Restore(reg *connection.Registry, svc *sshsetup.Service, logger *zap.Logger) (conns, ssh int, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conns, err = LoadConnections(reg, logger); err != nil {
		return 0, 0, fmt.Errorf("restore connections: %w", err)
	}
	if ssh, err = LoadSSH(svc, logger); err != nil {
		return conns, 0, fmt.Errorf("restore ssh setups: %w", err)
	}
	reg.AddListener(NewConnections(logger))
	svc.AddListener(NewSSH(logger))
	return conns, ssh, nil
}

// Import creates the setups listed in the connections file. Entries that
// already exist, typically restored from the database, are left alone.
func Import(conns *config.InitialConnections, reg *connection.Registry, svc *sshsetup.Service, logger *zap.Logger) int {
	n := 0
	for _, c := range conns.Connections {
		_, err := reg.CreateSetupFromDefinition(c.Definition, c.Name, c.ConnectOnStartup)
		switch {
		case errors.Is(err, connection.ErrSetupExists):
			logger.Debug("connection already known", zap.String("definition", c.Definition))
		case err != nil:
			logger.Warn("invalid connection in connections file", zap.String("definition", c.Definition), zap.Error(err))
		default:
			n++
		}
	}

	for _, c := range conns.SSH {
		if hasSSH(svc, c) {
			logger.Debug("ssh connection already known", zap.String("name", c.Name))
			continue
		}
		_, err := svc.AddSetup(sshsetup.Params{
			Name:             c.Name,
			Host:             c.Host,
			Port:             c.Port,
			User:             c.User,
			KeyFile:          c.KeyFile,
			UsePassphrase:    c.UsePassphrase,
			ConnectOnStartup: c.ConnectOnStartup,
			AutoRetry:        c.AutoRetry,
		})
		if err != nil {
			logger.Warn("invalid ssh connection in connections file", zap.String("name", c.Name), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

func hasSSH(svc *sshsetup.Service, c config.SSHConnection) bool {
	for _, s := range svc.Setups() {
		p := s.Params()
		if p.Host == c.Host && p.Port == c.Port && p.User == c.User {
			return true
		}
	}
	return false
}
