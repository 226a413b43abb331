// Package loop drives the simulation at a fixed rate: it drains transport
// events into the lockstep server, runs a tick whenever the frame deadline
// has elapsed, and broadcasts the resulting update. The loop owns the
// server, the game, and the guest module; everything below it runs on this
// one goroutine.
package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/opd-ai/lockstep/pkg/lockstep"
	"github.com/opd-ai/lockstep/pkg/network"
	"github.com/opd-ai/lockstep/pkg/protocol"
	"github.com/opd-ai/lockstep/pkg/replay"
	"github.com/sirupsen/logrus"
)

// DefaultTickRate is the simulation rate in frames per second.
const DefaultTickRate = 60

// Transport is the slice of the network server the loop consumes.
type Transport interface {
	PollEvent() (network.Event, bool)
	Send(to network.ConnectionID, data []byte)
	Broadcast(data []byte)
	Disconnect(id network.ConnectionID)
}

// Loop is the fixed-rate driver.
type Loop struct {
	transport Transport
	server    *lockstep.Server
	period    time.Duration
	clients   map[network.ConnectionID]lockstep.ClientID
	recorder  *replay.Recorder
}

// New creates a loop driving server over transport at tickRate frames per
// second. recorder may be nil.
func New(transport Transport, server *lockstep.Server, tickRate int, recorder *replay.Recorder) *Loop {
	if tickRate <= 0 {
		tickRate = DefaultTickRate
	}
	return &Loop{
		transport: transport,
		server:    server,
		period:    time.Second / time.Duration(tickRate),
		clients:   make(map[network.ConnectionID]lockstep.ClientID),
		recorder:  recorder,
	}
}

// Run blocks, driving the simulation until the context is cancelled or a
// guest fault makes the simulation unrecoverable. The frame deadline
// advances by exactly one period per tick, so cheap ticks do not drift;
// an overrunning tick fires the next one immediately.
func (l *Loop) Run(ctx context.Context) error {
	lastFrame := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		l.drainEvents()

		now := time.Now()
		next := lastFrame.Add(l.period)
		if now.Before(next) {
			time.Sleep(next.Sub(now))
			continue
		}
		if err := l.tick(); err != nil {
			return err
		}
		lastFrame = lastFrame.Add(l.period)
	}
}

// drainEvents dispatches every currently-pending transport event, bounding
// the latency between message arrival and processing to one tick period.
func (l *Loop) drainEvents() {
	for {
		ev, ok := l.transport.PollEvent()
		if !ok {
			return
		}
		switch ev.Type {
		case network.EventConnected:
			l.clientConnected(ev.Conn)
		case network.EventDisconnected:
			l.clientDisconnected(ev.Conn)
		case network.EventMessage:
			l.clientMessage(ev.Conn, ev.Data)
		}
	}
}

func (l *Loop) clientConnected(conn network.ConnectionID) {
	client, snapshot := l.server.ClientConnected()
	l.clients[conn] = client

	blob, err := snapshot.World.Blob()
	if err != nil {
		// Serialization runs inside the guest; a failure here is a
		// guest fault and the world snapshot cannot be produced.
		logrus.WithFields(logrus.Fields{
			"system_name": "loop",
		}).WithError(err).Error("failed to serialize world snapshot")
		l.dropClient(conn)
		return
	}

	data, err := protocol.EncodeWorldState(&protocol.WorldState{
		Frame: snapshot.Frame,
		World: blob,
	})
	if err != nil {
		l.dropClient(conn)
		return
	}
	l.transport.Send(conn, data)
}

func (l *Loop) clientDisconnected(conn network.ConnectionID) {
	client, ok := l.clients[conn]
	if !ok {
		return
	}
	delete(l.clients, conn)
	l.server.ClientDisconnected(client)
}

func (l *Loop) clientMessage(conn network.ConnectionID, data []byte) {
	client, ok := l.clients[conn]
	if !ok {
		// Already dropped; the transport close is still in flight.
		return
	}

	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"system_name": "loop",
			"client_id":   client,
		}).WithError(err).Info("malformed message, disconnecting")
		l.dropClient(conn)
		return
	}

	switch {
	case msg.Join != nil:
		err = l.server.ClientJoined(client, msg.Join.Frame)
	case msg.Input != nil:
		err = l.server.ClientInput(client, msg.Input.Frame, msg.Input.Input)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"system_name": "loop",
			"client_id":   client,
		}).WithError(err).Info("protocol violation, disconnecting")
		// The server already terminated its side of the client.
		delete(l.clients, conn)
		l.transport.Disconnect(conn)
	}
}

// dropClient terminates a client on both sides of the transport boundary.
func (l *Loop) dropClient(conn network.ConnectionID) {
	if client, ok := l.clients[conn]; ok {
		delete(l.clients, conn)
		l.server.ClientDisconnected(client)
	}
	l.transport.Disconnect(conn)
}

// tick advances the simulation one frame and broadcasts the update.
func (l *Loop) tick() error {
	update, err := l.server.Tick()
	if err != nil {
		return fmt.Errorf("simulation tick failed: %w", err)
	}
	defer update.ReleaseInputs()

	wire := protocol.NewUpdate()
	for _, id := range update.NewPlayers() {
		wire.NewPlayers = append(wire.NewPlayers, uint64(id))
	}
	for _, id := range update.RemovedPlayers() {
		wire.RemovedPlayers = append(wire.RemovedPlayers, uint64(id))
	}
	for _, id := range update.InputPlayers() {
		blob, err := update.Input(id).Blob()
		if err != nil {
			return fmt.Errorf("failed to serialize input for player %d: %w", id, err)
		}
		wire.Inputs[uint64(id)] = blob
	}

	data, err := protocol.EncodeUpdate(wire)
	if err != nil {
		return err
	}

	if l.recorder != nil {
		if err := l.recorder.Record(l.server.Frame(), data); err != nil {
			// The journal is an observer; losing an entry does not
			// compromise the simulation.
			logrus.WithFields(logrus.Fields{
				"system_name": "loop",
				"frame":       l.server.Frame(),
			}).WithError(err).Warn("failed to record frame update")
		}
	}

	l.transport.Broadcast(data)
	return nil
}

var _ Transport = (*network.Server)(nil)
