// Package lockstep implements the authoritative simulation server: the
// per-client protocol state machines, the input queues, and the tick that
// assembles and applies one frame update.
package lockstep

import (
	"errors"
	"fmt"
	"sort"

	"github.com/opd-ai/lockstep/pkg/game"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBadJoin is returned when a join request is invalid for the
	// client's state or targets a frame in the past.
	ErrBadJoin = errors.New("invalid join request")
	// ErrBadInput is returned when an input is malformed, out of
	// sequence, or sent before joining.
	ErrBadInput = errors.New("invalid input")
	// ErrUnknownClient is returned for operations on a client id that is
	// not connected.
	ErrUnknownClient = errors.New("unknown client")
)

// ClientID identifies a connected client. Ids are never reused and are not
// exposed to the game logic.
type ClientID uint64

type clientPhase int

const (
	// phaseConnected: the client received the world snapshot but has not
	// asked to join.
	phaseConnected clientPhase = iota
	// phaseWaiting: the client asked to join on a future frame; inputs
	// are being queued until the join frame is reached.
	phaseWaiting
	// phaseInGame: the client's player is part of the simulation.
	phaseInGame
)

type clientState struct {
	phase     clientPhase
	joinFrame uint64
	player    game.PlayerID
	inputs    *InputQueue
}

// Snapshot is the world state sent to a client on connect.
type Snapshot struct {
	Frame uint64
	World game.World
}

// Server drives a single shared simulation. It is not safe for concurrent
// use; the loop driver serializes all calls on one thread.
type Server struct {
	game            game.Game
	frame           uint64
	world           game.World
	clients         map[ClientID]*clientState
	pendingRemovals []game.PlayerID
	nextClientID    ClientID
}

// New creates a server around a game, asking it for the initial world.
func New(g game.Game) (*Server, error) {
	world, err := g.InitialWorld()
	if err != nil {
		return nil, fmt.Errorf("failed to create initial world: %w", err)
	}
	return &Server{
		game:    g,
		world:   world,
		clients: make(map[ClientID]*clientState),
	}, nil
}

// Frame returns the current simulation frame.
func (s *Server) Frame() uint64 {
	return s.frame
}

// World returns the current world. The server keeps ownership.
func (s *Server) World() game.World {
	return s.world
}

// ClientCount returns the number of tracked clients in any state.
func (s *Server) ClientCount() int {
	return len(s.clients)
}

// ClientConnected registers a new client and returns the snapshot that
// should be sent to it.
func (s *Server) ClientConnected() (ClientID, Snapshot) {
	id := s.nextClientID
	s.nextClientID++
	s.clients[id] = &clientState{phase: phaseConnected}

	logrus.WithFields(logrus.Fields{
		"system_name": "lockstep",
		"client_id":   id,
		"frame":       s.frame,
	}).Info("client connected")

	return id, Snapshot{Frame: s.frame, World: s.world}
}

// ClientJoined handles a join request. Joining is allowed only once, from
// the connected state, and only for the current frame or a later one. On
// violation the client is terminated and ErrBadJoin returned; the caller
// should close the connection.
func (s *Server) ClientJoined(client ClientID, onFrame uint64) error {
	state, ok := s.clients[client]
	if !ok {
		return ErrUnknownClient
	}
	if state.phase != phaseConnected || onFrame < s.frame {
		s.terminate(client)
		return ErrBadJoin
	}

	state.phase = phaseWaiting
	state.joinFrame = onFrame
	state.inputs = NewInputQueue(onFrame + 1)

	logrus.WithFields(logrus.Fields{
		"system_name": "lockstep",
		"client_id":   client,
		"join_frame":  onFrame,
	}).Debug("client joining")

	return nil
}

// ClientInput handles one submitted input. The frame must be exactly the
// next one the client's queue expects; the first input after join(F) is
// tagged F+1. On violation the client is terminated and ErrBadInput
// returned.
func (s *Server) ClientInput(client ClientID, frame uint64, data []byte) error {
	state, ok := s.clients[client]
	if !ok {
		return ErrUnknownClient
	}
	if state.phase == phaseConnected {
		s.terminate(client)
		return ErrBadInput
	}

	input, err := s.game.DeserializeInput(data)
	if err != nil {
		s.terminate(client)
		return fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	if err := state.inputs.Add(frame, input); err != nil {
		input.Release()
		s.terminate(client)
		return fmt.Errorf("%w: expected frame %d, got %d", ErrBadInput, state.inputs.NextFrame(), frame)
	}
	return nil
}

// ClientDisconnected removes a client. Idempotent: unknown ids are a no-op.
// An in-game client's player is queued for removal in the next tick.
func (s *Server) ClientDisconnected(client ClientID) {
	s.terminate(client)
}

func (s *Server) terminate(client ClientID) {
	state, ok := s.clients[client]
	if !ok {
		return
	}
	delete(s.clients, client)

	if state.inputs != nil {
		state.inputs.Release()
	}
	if state.phase == phaseInGame {
		s.pendingRemovals = append(s.pendingRemovals, state.player)
	}

	logrus.WithFields(logrus.Fields{
		"system_name": "lockstep",
		"client_id":   client,
	}).Info("client removed")
}

// Tick advances the simulation by one frame and returns the update to
// broadcast. Clients are visited in ascending id order so that player id
// allocation in the guest is reproducible across runs.
func (s *Server) Tick() (*game.FrameUpdate, error) {
	update := game.NewFrameUpdate()

	for _, player := range s.pendingRemovals {
		update.AddRemovedPlayer(player)
	}
	s.pendingRemovals = s.pendingRemovals[:0]

	ids := make([]ClientID, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		state := s.clients[id]
		switch state.phase {
		case phaseWaiting:
			if state.joinFrame == s.frame {
				player, err := s.game.GeneratePlayerID()
				if err != nil {
					return nil, fmt.Errorf("failed to allocate player id: %w", err)
				}
				state.phase = phaseInGame
				state.player = player
				update.AddNewPlayer(player)
			}
		case phaseInGame:
			if input, ok := state.inputs.TakeFor(s.frame); ok {
				update.SetInput(state.player, input)
			}
			// A missing input is dropped for this frame; the client
			// either catches up or falls out of sequence and gets
			// disconnected on its next submission.
		}
	}

	world, err := game.Apply(s.game, s.world, update)
	if err != nil {
		return nil, fmt.Errorf("tick %d failed: %w", s.frame, err)
	}
	if err := s.world.Release(); err != nil {
		return nil, fmt.Errorf("failed to release previous world: %w", err)
	}
	s.world = world
	s.frame++

	logrus.WithFields(logrus.Fields{
		"system_name": "lockstep",
		"frame":       s.frame,
	}).Trace("completed simulation frame")

	return update, nil
}
