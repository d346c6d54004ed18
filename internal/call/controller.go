package call

import (
	"log/slog"
	"sync"

	"github.com/pion/mediadevices"

	"github.com/EpochX-sol/health-connect-core/internal/media"
	"github.com/EpochX-sol/health-connect-core/internal/models"
	"github.com/EpochX-sol/health-connect-core/internal/rtc"
	"github.com/EpochX-sol/health-connect-core/internal/signaling"
)

// MediaAcquirer matches media.Acquire; injected so tests run without
// touching real devices.
type MediaAcquirer func(models.CallType) (mediadevices.MediaStream, error)

// Controller is the top-level session object: one per authenticated user,
// constructed at login and torn down at logout. It owns the state machine,
// the negotiation engine and the local media stream, and sequences them:
// machine Active -> acquire media -> engine start -> room join; machine
// ended -> room leave -> release media. Nothing here is a process global.
type Controller struct {
	Machine *Machine
	Engine  *rtc.Engine
	Room    *rtc.Room

	acquire MediaAcquirer
	logger  *slog.Logger

	mu     sync.Mutex
	stream mediadevices.MediaStream
}

func NewController(self models.CallIdentity, ch signaling.Channel, engine *rtc.Engine, acquire MediaAcquirer, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Controller{
		Machine: NewMachine(self, ch, opts),
		Engine:  engine,
		Room:    rtc.NewRoom(ch, engine, self, opts.Logger),
		acquire: acquire,
		logger:  opts.Logger,
	}

	c.Machine.OnChange(func(snap Snapshot) {
		if snap.State == StateActive && snap.Active != nil {
			c.beginMedia(snap.Active)
		}
	})
	c.Machine.OnEnded(c.endMedia)
	return c
}

func (c *Controller) beginMedia(active *models.ActiveCall) {
	c.mu.Lock()
	already := c.stream != nil
	c.mu.Unlock()
	if already {
		return
	}

	if c.acquire == nil {
		// Media-less session (tests, diagnostics): still join the mesh so
		// signaling round-trips are exercised. OnChange fires on every
		// snapshot update while the call stays active, so join only once.
		if c.Room.RoomID() == active.RoomID {
			return
		}
		if err := c.Room.Join(active.RoomID); err != nil {
			c.logger.Warn("room join failed", "room", active.RoomID, "error", err)
		}
		return
	}

	stream, err := c.acquire(active.CallType)
	if err != nil {
		// Camera/mic denied or unavailable: abort setup before any peer
		// connection exists and hang up cleanly.
		c.logger.Error("media acquisition failed", "call_type", active.CallType, "error", err)
		_ = c.Machine.EndCall()
		return
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	c.Engine.Start(media.Tracks(stream))
	if err := c.Room.Join(active.RoomID); err != nil {
		c.logger.Warn("room join failed", "room", active.RoomID, "error", err)
	}
}

func (c *Controller) endMedia() {
	if err := c.Room.Leave(); err != nil {
		c.logger.Debug("room leave failed", "error", err)
	}

	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()
	media.Release(stream)
}

// LocalStream exposes the live local stream for self-view rendering.
func (c *Controller) LocalStream() mediadevices.MediaStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Shutdown tears the session down on logout or navigation away. Device
// handles must never outlive the session, even on abnormal paths.
func (c *Controller) Shutdown() {
	if snap := c.Machine.Snapshot(); snap.State == StateActive {
		_ = c.Machine.EndCall()
		return // OnEnded releases media
	}
	c.endMedia()
}
