package server

import (
	"slices"

	"wormy/broker/internal/input"
	"wormy/broker/internal/lockstep"
	"wormy/broker/internal/logging"
	"wormy/broker/internal/match"
	"wormy/broker/internal/protocol"
	"wormy/broker/internal/replay"
	"wormy/broker/internal/sim"
)

func (a *Authority) connected(peer Peer) {
	id := peer.ID()
	if _, err := a.session.Join(id, peer.Subject()); err != nil {
		a.logger.Warn("connection refused", logging.String("client_id", id), logging.Error(err))
		a.gate.Record(id, input.DropReasonFull)
		peer.Close()
		return
	}
	a.clients.Set(id, &client{peer: peer})
	a.logger.Info("client attached", logging.String("client_id", id), logging.Int("clients", a.clients.Len()))
}

// disconnected retires every worm the connection still controlled.
func (a *Authority) disconnected(peer Peer) {
	id := peer.ID()
	c, ok := a.clients.Get(id)
	if !ok {
		return
	}
	a.clients.Delete(id)
	a.session.Leave(id)
	a.gate.Forget(id)
	a.validator.Forget(id)
	a.flow.Forget(id)
	var killed []int
	for _, slot := range c.worms {
		if slot < 0 {
			continue
		}
		killed = append(killed, slot)
		a.cast(protocol.Cast{Kind: protocol.CastQuit, Slot: slot})
		a.deliverDelayed(sim.Disconnect(slot))
	}
	a.logger.Info("client detached", logging.String("client_id", id), logging.Int("worms", len(killed)))
}

func (a *Authority) handle(peer Peer, msg protocol.Message) {
	c, ok := a.clients.Get(peer.ID())
	if !ok {
		return
	}
	if decision := a.gate.Allow(peer.ID()); !decision.Accepted {
		if msg.Type == protocol.TypeImmediate {
			c.stale = true
		}
		return
	}
	switch msg.Type {
	case protocol.TypeStart:
		if msg.Start != nil {
			a.handleStart(c, msg.Start)
		}
	case protocol.TypeDelayed:
		if msg.Event != nil {
			a.handleDelayed(c, msg.Event.Command)
		}
	case protocol.TypeImmediate:
		if msg.Event != nil {
			a.handleImmediate(c, *msg.Event)
		}
	case protocol.TypeTime:
		a.send(c.peer, protocol.Message{Type: protocol.TypeTime, Time: &protocol.TimeSync{
			Start:    a.fclock.Start().UnixMilli(),
			Now:      a.clock.Now().UnixMilli(),
			Interval: ms(a.fclock.Interval()),
			Frame:    a.buf.Frame(),
		}})
	case protocol.TypeLoad:
		a.resync(c.peer)
	case protocol.TypeFramePing:
		partial := a.fclock.PartialFrame(a.buf.Frame(), a.clock.Now())
		a.send(c.peer, protocol.Message{Type: protocol.TypeFramePong, FramePong: &protocol.FramePong{Frame: partial}})
	case protocol.TypeLag:
		if msg.Lag != nil {
			a.handleLag(c, msg.Lag)
		}
	case protocol.TypeOutOfSync:
		if msg.OutOfSync != nil {
			a.logger.Warn("client out of sync",
				logging.String("client_id", peer.ID()),
				logging.Int("client_frame", msg.OutOfSync.Frame),
				logging.Int("event_frame", msg.OutOfSync.EventFrame))
		}
		a.resync(c.peer)
	default:
		a.gate.Record(peer.ID(), input.DropReasonMalformed)
	}
}

func (a *Authority) handleStart(c *client, start *protocol.Start) {
	id := c.peer.ID()
	if decision := a.validator.ValidateLocal(id, start.Local); !decision.Accepted {
		a.rejected(c, decision)
		return
	}
	for len(c.worms) <= start.Local {
		c.worms = append(c.worms, -1)
		c.names = append(c.names, "")
	}
	frame := a.buf.Frame()
	//1.- A quitting seat waits out its cooldown before it may spawn again.
	if a.flow.CooldownRemaining(match.Seat{ClientID: id, Local: start.Local}, frame) > 0 {
		a.gate.Record(id, input.DropReasonCooldown)
		return
	}
	//2.- One worm per local index; repeat requests just confirm the slot.
	if slot := c.worms[start.Local]; slot != -1 {
		a.logger.Warn("local index already controls a worm", logging.String("client_id", id), logging.Int("slot", slot))
		a.send(c.peer, control(slot, start.Local))
		return
	}
	slot, ok := a.freeSlot()
	if !ok {
		a.logger.Info("player limit reached", logging.String("client_id", id))
		a.gate.Record(id, input.DropReasonFull)
		return
	}
	loc, err := a.flow.FindRun(a.buf.State().Grid, match.SpawnRun)
	if err != nil {
		a.logger.Warn("no spawn location", logging.String("client_id", id), logging.Int("local", start.Local))
		a.gate.Record(id, input.DropReasonSpawn)
		return
	}
	name := input.SanitizeName(start.Name, a.game.MaxNameLength)
	if name == "" {
		name = input.SanitizeName(c.peer.Subject(), a.game.MaxNameLength)
	}
	//3.- Confirm to the owner, announce to everyone, then schedule the spawn.
	a.send(c.peer, control(slot, start.Local))
	a.cast(protocol.Cast{Kind: protocol.CastJoin, Slot: slot, Name: name})
	a.deliverDelayed(sim.AddWorm(slot, loc, name))
	c.worms[start.Local] = slot
	c.names[start.Local] = name
	if err := a.session.Bind(id, slot, name); err != nil {
		a.logger.Warn("roster bind failed", logging.Error(err))
	}
	if _, err := a.events.PublishRoster(true, slot, name); err != nil {
		a.logger.Debug("roster event dropped", logging.Int("slot", slot), logging.Error(err))
	}
	a.recordEvent(replay.EventJoin, protocol.Player{Slot: slot, Name: name})
	a.logger.Info("worm joined", logging.String("client_id", id), logging.Int("slot", slot), logging.String("name", name))
}

// freeSlot returns the lowest slot that is retired and unclaimed.
func (a *Authority) freeSlot() (int, bool) {
	owned := a.ownedSlots()
	state := a.buf.State()
	slot := 0
	for ; slot < len(state.Worms); slot++ {
		if state.Worms[slot].Free() && !owned[slot] {
			break
		}
	}
	for owned[slot] {
		slot++
	}
	if slot >= min(a.game.MaxPlayers, sim.MaxSlots) {
		return -1, false
	}
	return slot, true
}

func (a *Authority) ownedSlots() map[int]bool {
	owned := make(map[int]bool)
	for el := a.clients.Front(); el != nil; el = el.Next() {
		for _, slot := range el.Value.worms {
			if slot >= 0 {
				owned[slot] = true
			}
		}
	}
	return owned
}

func (a *Authority) handleDelayed(c *client, cmd sim.Command) {
	id := c.peer.ID()
	if decision := a.validator.Validate(id, protocol.TypeDelayed, cmd); !decision.Accepted {
		a.rejected(c, decision)
		return
	}
	switch cmd.Kind {
	case sim.CmdRevive:
		if !owns(c, cmd.Slot) {
			a.unauthorized(c, cmd)
			return
		}
		w := a.buf.State().Worm(cmd.Slot)
		if w == nil || w.Status != sim.Dead || len(w.Tail) != 0 {
			return
		}
		loc, err := a.flow.FindRun(a.buf.State().Grid, match.SpawnRun)
		if err != nil {
			a.gate.Record(id, input.DropReasonSpawn)
			return
		}
		a.deliverDelayed(sim.Revive(cmd.Slot, loc))
	case sim.CmdDisconnect:
		//1.- The client names its local index; the server resolves the slot.
		local := cmd.Slot
		if local >= len(c.worms) || c.worms[local] < 0 {
			return
		}
		slot := c.worms[local]
		a.flow.RegisterQuit(match.Seat{ClientID: id, Local: local}, a.buf.Frame())
		c.worms[local] = -1
		c.names[local] = ""
		a.session.Unbind(slot)
		a.cast(protocol.Cast{Kind: protocol.CastQuit, Slot: slot})
		a.deliverDelayed(sim.Disconnect(slot))
	}
}

func (a *Authority) handleImmediate(c *client, evt lockstep.Event) {
	if decision := a.validator.Validate(c.peer.ID(), protocol.TypeImmediate, evt.Command); !decision.Accepted {
		a.rejected(c, decision)
		c.stale = true
		return
	}
	if !owns(c, evt.Command.Slot) {
		a.unauthorized(c, evt.Command)
		return
	}
	if !a.buf.AddEvent(evt.Frame, evt.Command) {
		a.logger.Warn("event outside window",
			logging.String("client_id", c.peer.ID()),
			logging.Int("event_frame", evt.Frame),
			logging.Int("frame", a.buf.Frame()))
		a.gate.Record(c.peer.ID(), input.DropReasonWindow)
		a.resync(c.peer)
		return
	}
	a.broadcast(protocol.Broadcast(evt), c.peer)
}

func (a *Authority) handleLag(c *client, lag *protocol.Lag) {
	fields := []logging.Field{logging.String("client_id", c.peer.ID()), logging.Float64("ping_ms", lag.PingMS)}
	if lag.Synced {
		fields = append(fields,
			logging.Float64("offset_ms", lag.OffsetMS),
			logging.Float64("skew_pct", lag.SkewPercent),
			logging.Float64("speed_pct", lag.OldSpeed),
			logging.Float64("new_speed_pct", lag.NewSpeed))
	}
	a.logger.Debug("lag report", fields...)
	var pings []protocol.Ping
	for _, slot := range c.worms {
		if slot >= 0 {
			pings = append(pings, protocol.Ping{Slot: slot, PingMS: lag.PingMS})
		}
	}
	a.cast(protocol.Cast{Kind: protocol.CastPing, Pings: pings})
}

// unauthorized drops a command for a slot the sender does not own. The
// sender is most likely out of sync, so it gets a fresh load.
func (a *Authority) unauthorized(c *client, cmd sim.Command) {
	a.logger.Warn("command for foreign slot",
		logging.String("client_id", c.peer.ID()),
		logging.Int("slot", cmd.Slot),
		logging.String("kind", string(cmd.Kind)))
	a.gate.Record(c.peer.ID(), input.DropReasonUnauthorized)
	a.resync(c.peer)
}

func (a *Authority) rejected(c *client, decision input.ValidationDecision) {
	a.gate.Record(c.peer.ID(), input.DropReasonMalformed)
	if decision.Warn {
		a.logger.Warn("client sending invalid commands", logging.String("client_id", c.peer.ID()), logging.String("reason", string(decision.Reason)))
	}
	if decision.Disconnect {
		a.logger.Warn("disconnecting abusive client", logging.String("client_id", c.peer.ID()))
		c.peer.Close()
	}
}

// deliverDelayed stamps cmd with the current frame and sends it to everyone.
func (a *Authority) deliverDelayed(cmd sim.Command) {
	evt := lockstep.Event{Frame: a.buf.Frame(), Command: cmd}
	a.buf.AddEvent(evt.Frame, cmd)
	a.broadcast(protocol.Broadcast(evt), nil)
}

func (a *Authority) broadcast(msg protocol.Message, except Peer) {
	for el := a.clients.Front(); el != nil; el = el.Next() {
		if except != nil && el.Value.peer.ID() == except.ID() {
			continue
		}
		a.send(el.Value.peer, msg)
	}
	a.broadcasts.Add(1)
}

func (a *Authority) cast(c protocol.Cast) {
	a.broadcast(protocol.Message{Type: protocol.TypeCast, Cast: &c}, nil)
}

// resync sends peer the full window so it can rebuild its prediction.
// flushStale sends one load to every client whose local prediction holds a
// dropped immediate command.
func (a *Authority) flushStale() {
	for el := a.clients.Front(); el != nil; el = el.Next() {
		if c := el.Value; c.stale {
			c.stale = false
			a.logger.Debug("resyncing client after dropped commands", logging.String("client_id", c.peer.ID()))
			a.resync(c.peer)
		}
	}
}

func (a *Authority) resync(peer Peer) {
	base, moves := a.buf.Snapshot()
	a.send(peer, protocol.Message{Type: protocol.TypeLoad, Load: &protocol.Load{
		Frame:   a.buf.Frame(),
		Start:   a.fclock.Start().UnixMilli(),
		Base:    base.Compact(),
		Moves:   moves,
		Players: a.players(),
	}})
	a.resyncs.Add(1)
}

func (a *Authority) players() []protocol.Player {
	var players []protocol.Player
	for el := a.clients.Front(); el != nil; el = el.Next() {
		c := el.Value
		for j, slot := range c.worms {
			if slot >= 0 {
				players = append(players, protocol.Player{Slot: slot, Name: c.names[j]})
			}
		}
	}
	return players
}

func (a *Authority) send(peer Peer, msg protocol.Message) {
	if err := peer.Send(msg); err != nil {
		a.logger.Debug("send failed", logging.String("client_id", peer.ID()), logging.String("type", string(msg.Type)), logging.Error(err))
	}
}

func owns(c *client, slot int) bool {
	return slot >= 0 && slices.Contains(c.worms, slot)
}

func control(slot, local int) protocol.Message {
	return protocol.Message{Type: protocol.TypeControl, Control: &protocol.Control{Slot: slot, Local: local}}
}
