// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package natscomm

import (
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaxPayload is the largest exchange payload (one serialized tensor of one worker) supported by the embedded
// server.
const MaxPayload = 32 << 20

// ServerReadyTimeout is how long StartServer waits for the embedded server to accept connections.
var ServerReadyTimeout = 5 * time.Second

// Server is an embedded NATS server with JetStream enabled, used as the rendezvous point of a launch.
type Server struct {
	*server.Server
	storeDir string
}

// StartServer starts an embedded NATS server listening on a random port of the loopback interface.
//
// JetStream needs a store directory even if streams are kept in memory: a temporary one is created and removed
// on Shutdown.
func StartServer() (*Server, error) {
	storeDir, err := os.MkdirTemp("", "gomlx_nats_")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create JetStream store directory")
	}
	opts := &server.Options{
		ServerName: "gomlx-launcher",
		Host:       "127.0.0.1",
		Port:       -1,
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: MaxPayload,
		JetStream:  true,
		StoreDir:   storeDir,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		_ = os.RemoveAll(storeDir)
		return nil, errors.Wrap(err, "failed to create embedded NATS server")
	}
	go ns.Start()
	if !ns.ReadyForConnections(ServerReadyTimeout) {
		ns.Shutdown()
		_ = os.RemoveAll(storeDir)
		return nil, errors.Errorf("embedded NATS server not ready after %s", ServerReadyTimeout)
	}
	klog.V(1).Infof("embedded NATS server listening on %s", ns.ClientURL())
	return &Server{Server: ns, storeDir: storeDir}, nil
}

// Shutdown stops the server and removes its store directory.
func (s *Server) Shutdown() {
	s.Server.Shutdown()
	s.Server.WaitForShutdown()
	if err := os.RemoveAll(s.storeDir); err != nil {
		klog.Warningf("failed to remove JetStream store directory %q: %+v", s.storeDir, err)
	}
}
