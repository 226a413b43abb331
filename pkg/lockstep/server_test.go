package lockstep

import (
	"reflect"
	"testing"

	"github.com/opd-ai/lockstep/pkg/game"
)

// stubGame is a minimal in-process game, mirroring the shape of a real
// guest: opaque worlds, pass-through inputs, ids allocated on demand.
type stubGame struct {
	nextID      game.PlayerID
	liveWorlds  int
	worldFrames uint64
}

type stubWorld struct {
	g        *stubGame
	released bool
}

func (w *stubWorld) Blob() ([]byte, error) { return []byte("world"), nil }
func (w *stubWorld) Release() error {
	if !w.released {
		w.released = true
		w.g.liveWorlds--
	}
	return nil
}

type stubInput struct {
	data     []byte
	released bool
}

func (in *stubInput) Blob() ([]byte, error) { return in.data, nil }
func (in *stubInput) Release() error {
	in.released = true
	return nil
}

func (g *stubGame) newWorld() game.World {
	g.liveWorlds++
	return &stubWorld{g: g}
}

func (g *stubGame) InitialWorld() (game.World, error) { return g.newWorld(), nil }
func (g *stubGame) UpdateWorld(game.World) (game.World, error) {
	g.worldFrames++
	return g.newWorld(), nil
}
func (g *stubGame) UpdatePlayer(game.World, game.PlayerID, game.Input) (game.World, error) {
	return g.newWorld(), nil
}
func (g *stubGame) AddPlayer(game.World, game.PlayerID) (game.World, error) {
	return g.newWorld(), nil
}
func (g *stubGame) RemovePlayer(game.World, game.PlayerID) (game.World, error) {
	return g.newWorld(), nil
}
func (g *stubGame) DeserializeInput(data []byte) (game.Input, error) {
	return &stubInput{data: data}, nil
}
func (g *stubGame) GeneratePlayerID() (game.PlayerID, error) {
	g.nextID++
	return g.nextID, nil
}

func newTestServer(t *testing.T) (*Server, *stubGame) {
	t.Helper()
	g := &stubGame{}
	s, err := New(g)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, g
}

func mustTick(t *testing.T, s *Server) *game.FrameUpdate {
	t.Helper()
	update, err := s.Tick()
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	return update
}

func inputBlobs(t *testing.T, u *game.FrameUpdate) map[game.PlayerID]string {
	t.Helper()
	out := make(map[game.PlayerID]string)
	for _, id := range u.InputPlayers() {
		blob, err := u.Input(id).Blob()
		if err != nil {
			t.Fatalf("Blob() error = %v", err)
		}
		out[id] = string(blob)
	}
	return out
}

func TestEmptyTicks(t *testing.T) {
	s, g := newTestServer(t)

	for i := 0; i < 2; i++ {
		update := mustTick(t, s)
		if !update.Empty() {
			t.Errorf("tick %d: update not empty", i)
		}
	}
	if s.Frame() != 2 {
		t.Errorf("frame = %d, want 2", s.Frame())
	}
	if g.worldFrames != 2 {
		t.Errorf("update_world ran %d times, want 2", g.worldFrames)
	}
}

func TestConnectAfterTicks(t *testing.T) {
	s, _ := newTestServer(t)
	mustTick(t, s)

	_, snap := s.ClientConnected()
	if snap.Frame != 1 {
		t.Errorf("snapshot frame = %d, want 1", snap.Frame)
	}
}

func TestJoinOnFutureFrame(t *testing.T) {
	s, _ := newTestServer(t)
	c, _ := s.ClientConnected()
	if err := s.ClientJoined(c, 1); err != nil {
		t.Fatalf("ClientJoined() error = %v", err)
	}

	first := mustTick(t, s)
	if len(first.NewPlayers()) != 0 {
		t.Errorf("first update new players = %v, want none", first.NewPlayers())
	}

	second := mustTick(t, s)
	if want := []game.PlayerID{1}; !reflect.DeepEqual(second.NewPlayers(), want) {
		t.Errorf("second update new players = %v, want %v", second.NewPlayers(), want)
	}
}

func TestInputFlow(t *testing.T) {
	s, _ := newTestServer(t)
	c, _ := s.ClientConnected()
	if err := s.ClientJoined(c, 0); err != nil {
		t.Fatalf("ClientJoined() error = %v", err)
	}

	first := mustTick(t, s)
	if want := []game.PlayerID{1}; !reflect.DeepEqual(first.NewPlayers(), want) {
		t.Fatalf("new players = %v, want %v", first.NewPlayers(), want)
	}

	if err := s.ClientInput(c, 1, []byte("abc")); err != nil {
		t.Fatalf("ClientInput() error = %v", err)
	}
	second := mustTick(t, s)
	want := map[game.PlayerID]string{1: "abc"}
	if got := inputBlobs(t, second); !reflect.DeepEqual(got, want) {
		t.Errorf("inputs = %v, want %v", got, want)
	}
}

func TestDoubleJoinDisconnects(t *testing.T) {
	s, _ := newTestServer(t)
	c, _ := s.ClientConnected()
	if err := s.ClientJoined(c, 1); err != nil {
		t.Fatalf("first join error = %v", err)
	}
	if err := s.ClientJoined(c, 1); err == nil {
		t.Fatal("second join should fail")
	}
	if s.ClientCount() != 0 {
		t.Error("client should be terminated after double join")
	}
}

func TestJoinInPastDisconnects(t *testing.T) {
	s, _ := newTestServer(t)
	mustTick(t, s)
	mustTick(t, s)

	c, _ := s.ClientConnected()
	if err := s.ClientJoined(c, 1); err == nil {
		t.Fatal("join in the past should fail")
	}
	if s.ClientCount() != 0 {
		t.Error("client should be terminated")
	}

	// Joining exactly on the current frame is allowed.
	c2, _ := s.ClientConnected()
	if err := s.ClientJoined(c2, 2); err != nil {
		t.Fatalf("join on current frame error = %v", err)
	}
}

func TestInputBeforeJoinDisconnects(t *testing.T) {
	s, _ := newTestServer(t)
	c, _ := s.ClientConnected()
	if err := s.ClientInput(c, 1, []byte("x")); err == nil {
		t.Fatal("input before join should fail")
	}
	if s.ClientCount() != 0 {
		t.Error("client should be terminated")
	}
}

func TestDisconnectBeforeJoinIsSilent(t *testing.T) {
	s, _ := newTestServer(t)
	c, _ := s.ClientConnected()
	s.ClientDisconnected(c)

	update := mustTick(t, s)
	if len(update.RemovedPlayers()) != 0 {
		t.Errorf("removed players = %v, want none", update.RemovedPlayers())
	}
}

func TestDisconnectInGameEnqueuesRemoval(t *testing.T) {
	s, _ := newTestServer(t)
	c, _ := s.ClientConnected()
	if err := s.ClientJoined(c, 1); err != nil {
		t.Fatal(err)
	}
	mustTick(t, s)
	mustTick(t, s) // announces player 1

	s.ClientDisconnected(c)
	update := mustTick(t, s)
	if want := []game.PlayerID{1}; !reflect.DeepEqual(update.RemovedPlayers(), want) {
		t.Errorf("removed players = %v, want %v", update.RemovedPlayers(), want)
	}

	// The removal is broadcast exactly once.
	next := mustTick(t, s)
	if len(next.RemovedPlayers()) != 0 {
		t.Errorf("removal broadcast twice: %v", next.RemovedPlayers())
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	s, _ := newTestServer(t)
	c, _ := s.ClientConnected()
	s.ClientDisconnected(c)
	s.ClientDisconnected(c)
	s.ClientDisconnected(ClientID(99))

	if s.ClientCount() != 0 {
		t.Error("no clients should remain")
	}
}

func TestInputGapDisconnects(t *testing.T) {
	s, _ := newTestServer(t)
	c, _ := s.ClientConnected()
	if err := s.ClientJoined(c, 0); err != nil {
		t.Fatal(err)
	}
	mustTick(t, s)
	if err := s.ClientInput(c, 1, []byte("a")); err != nil {
		t.Fatal(err)
	}
	mustTick(t, s)

	// Frame 2 is skipped.
	if err := s.ClientInput(c, 3, []byte("c")); err == nil {
		t.Fatal("gapped input should fail")
	}
	update := mustTick(t, s)
	if want := []game.PlayerID{1}; !reflect.DeepEqual(update.RemovedPlayers(), want) {
		t.Errorf("removed players = %v, want %v", update.RemovedPlayers(), want)
	}
}

func TestMissingInputIsDropped(t *testing.T) {
	s, _ := newTestServer(t)
	c, _ := s.ClientConnected()
	if err := s.ClientJoined(c, 0); err != nil {
		t.Fatal(err)
	}
	mustTick(t, s)

	// No input submitted; the tick still runs and the update is empty.
	update := mustTick(t, s)
	if len(update.InputPlayers()) != 0 {
		t.Errorf("inputs = %v, want none", update.InputPlayers())
	}
	if s.Frame() != 2 {
		t.Errorf("frame = %d, want 2", s.Frame())
	}
}

func TestLateInputsCatchUp(t *testing.T) {
	s, _ := newTestServer(t)
	c, _ := s.ClientConnected()
	if err := s.ClientJoined(c, 0); err != nil {
		t.Fatal(err)
	}
	mustTick(t, s) // frame 1, player announced

	// The client stalls while the simulation advances.
	mustTick(t, s) // frame 2
	mustTick(t, s) // frame 3

	// It then submits its backlog; frames 1 and 2 are already in the
	// past and get dropped, frame 3 applies.
	for f := uint64(1); f <= 3; f++ {
		if err := s.ClientInput(c, f, []byte{byte(f)}); err != nil {
			t.Fatalf("input %d error = %v", f, err)
		}
	}
	update := mustTick(t, s)
	got := inputBlobs(t, update)
	want := map[game.PlayerID]string{1: "\x03"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("inputs = %v, want %v", got, want)
	}
}

func TestTwoClientsDeterministicIDs(t *testing.T) {
	s, _ := newTestServer(t)
	a, _ := s.ClientConnected()
	b, _ := s.ClientConnected()
	if err := s.ClientJoined(a, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.ClientJoined(b, 0); err != nil {
		t.Fatal(err)
	}

	update := mustTick(t, s)
	if want := []game.PlayerID{1, 2}; !reflect.DeepEqual(update.NewPlayers(), want) {
		t.Errorf("new players = %v, want %v", update.NewPlayers(), want)
	}
}

func TestWorldHandleAccounting(t *testing.T) {
	s, g := newTestServer(t)
	if g.liveWorlds != 1 {
		t.Fatalf("live worlds = %d, want 1", g.liveWorlds)
	}
	for i := 0; i < 5; i++ {
		mustTick(t, s)
	}
	// Exactly one current world survives each tick.
	if g.liveWorlds != 1 {
		t.Errorf("live worlds = %d, want 1", g.liveWorlds)
	}
}
