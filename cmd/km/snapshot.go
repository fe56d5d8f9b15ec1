package main

import (
	"github.com/sirupsen/logrus"

	"github.com/sv641/km/pkg/machine"
	"github.com/sv641/km/pkg/snapshot"
)

// snapshotter adapts a running Machine plus the payload descriptors
// cmd/km loaded at startup to pkg/mgmt.Snapshotter: the management
// socket's "pause, snapshot, resume" request arrives as a plain
// method call, machine.Machine already exports every other piece the
// interface needs.
type snapshotter struct {
	m     *machine.Machine
	guest snapshot.GuestInfo
	log   *logrus.Logger
}

func (s *snapshotter) RequestPause()  { s.m.RequestPause() }
func (s *snapshotter) WaitAllPaused() { s.m.WaitAllPaused() }
func (s *snapshotter) Resume()        { s.m.Resume() }
func (s *snapshotter) SetExitGroup()  { s.m.SetExitGroup() }

// CreateSnapshot implements mgmt.Snapshotter. label/description are
// accepted for API compatibility with the management protocol but
// have no file-format home yet (spec.md's NT_KM_GUEST note carries no
// free-text field); they are logged instead of silently dropped.
func (s *snapshotter) CreateSnapshot(path, label, description string) error {
	s.log.WithFields(logrus.Fields{
		"path":        path,
		"label":       label,
		"description": description,
	}).Info("mgmt: creating snapshot")
	return snapshot.Create(path, s.m, s.guest)
}
