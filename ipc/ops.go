package ipc

import (
	"sync"

	"github.com/anillo-os/kernel-core/internal/errkind"
	"github.com/anillo-os/kernel-core/sched"
	"github.com/anillo-os/kernel-core/waitqueue"
)

// AttachmentRequest is a send-side attachment, referencing resources by
// DescriptorTable handle rather than by direct pointer — the userspace-
// facing shape §4.3 describes ("attachments are translated from handles").
type AttachmentRequest struct {
	Kind AttachmentKind

	// ChannelHandle is used for AttachmentChannel.
	ChannelHandle uint32
	// Mapping is used for AttachmentMappingCopy/AttachmentMappingShared.
	Mapping []byte
	// Data is used for AttachmentDataCopied.
	Data []byte
}

// SendRequest is the userspace-facing argument to Channel.Send.
type SendRequest struct {
	Body        []byte
	Attachments []AttachmentRequest

	// StartConversation allocates a fresh monotonic conversation ID for this
	// message (§4.3 "send flags": start_conversation), as ConversationCreate
	// would, then uses it. Takes precedence over ConversationID.
	StartConversation bool

	// ConversationID threads this message into an existing conversation
	// (e.g. one minted by Channel.ConversationCreate). Ignored if
	// StartConversation is set. Zero, the default, means "no conversation"
	// (§3: "0 means no conversation").
	ConversationID uint64

	// NoWait fails with errkind.ResourceUnavailable instead of blocking when
	// the peer's queue is full (§4.3 "send flags": no-wait).
	NoWait bool

	// Thread, if non-nil, routes blocking through the scheduler (via
	// Thread.RegisterWait/Thread.EndWait) instead of a bare
	// waitqueue.Waiter, so Kill can reach a thread parked here (§4.2 Kill,
	// §5 "Suspension points").
	Thread *sched.Thread
}

// AttachmentResult is a receive-side attachment, with AttachmentChannel
// entries freshly installed into the receiver's DescriptorTable — unless
// the receive was a peek, in which case ownership (and so the handle) isn't
// transferred.
type AttachmentResult struct {
	Kind          AttachmentKind
	ChannelHandle uint32
	Mapping       []byte
	Data          []byte
}

// ReceiveRequest is the userspace-facing argument to Channel.Receive.
type ReceiveRequest struct {
	// NoWait fails with errkind.ResourceUnavailable instead of blocking when
	// no matching message is queued (§4.3 "receive flags": no-wait).
	NoWait bool

	// Interruptible, combined with Thread, unparks the wait early with
	// errkind.Interrupted if a signal reaches Thread while blocked (§4.3
	// "receive flags": interruptible; §5 "Suspension points").
	Interruptible bool

	// Peek inspects the selected message without dequeuing it and without
	// transferring AttachmentChannel ownership (§4.3 "receive flags":
	// pre-receive-peek).
	Peek bool

	// MatchMessageID, if non-nil, selects a specific queued message by ID
	// instead of the FIFO head. Only valid combined with NoWait — matching
	// a not-yet-arrived ID has no well-defined wait to perform (§4.3
	// "receive flags": match-message-id).
	MatchMessageID *uint64

	// Thread, if non-nil, routes blocking through the scheduler the same
	// way SendRequest.Thread does.
	Thread *sched.Thread
}

// ReceiveResult is what Channel.Receive hands back.
type ReceiveResult struct {
	MessageID      uint64
	ConversationID uint64
	Body           []byte
	Attachments    []AttachmentResult
}

// resolveAttachment translates one send-side attachment from its handle
// into a concrete Attachment, without mutating any channel's queue — the
// "validate/translate ... without enqueueing" half of §4.3's atomic send
// protocol. It does not yet uninstall the source handle: that only happens
// once the enqueue actually commits.
func resolveAttachment(table *DescriptorTable, a AttachmentRequest) (Attachment, error) {
	switch a.Kind {
	case AttachmentNull:
		return Attachment{Kind: AttachmentNull}, nil
	case AttachmentChannel:
		ch, err := table.Channel(a.ChannelHandle)
		if err != nil {
			return Attachment{}, err
		}
		return Attachment{Kind: AttachmentChannel, Channel: ch}, nil
	case AttachmentMappingCopy:
		cp := append([]byte(nil), a.Mapping...)
		return Attachment{Kind: AttachmentMappingCopy, Mapping: cp}, nil
	case AttachmentMappingShared:
		return Attachment{Kind: AttachmentMappingShared, Mapping: a.Mapping}, nil
	case AttachmentDataCopied:
		cp := append([]byte(nil), a.Data...)
		return Attachment{Kind: AttachmentDataCopied, Data: cp}, nil
	default:
		return Attachment{}, errkindInvalidAttachment()
	}
}

// blockOn parks the caller on q, releasing mu (already held by the caller)
// for the duration of the wait and re-acquiring it before returning —
// mirroring waitqueue.BeginWait's own register/commit split one level up,
// so a concurrent wake can never land between "queue checked empty/full"
// and "actually parked". With thread nil it falls back to a bare
// waitqueue.Waiter (for callers with no scheduled thread to integrate
// with); with thread set, registration goes through Thread.RegisterWait (or
// Thread.BeginInterruptibleWait) so Kill — and, if interruptible, Raise —
// can reach a thread blocked here (§4.2 Kill; §5 "Suspension points").
func blockOn(mu *sync.Mutex, q *waitqueue.Queue, thread *sched.Thread, interruptible bool) error {
	if thread == nil {
		done := make(chan struct{})
		w := waitqueue.NewWaiter(func(any) { close(done) }, nil)
		commit := q.BeginWait(w)
		commit()
		mu.Unlock()
		<-done
		mu.Lock()
		return nil
	}

	woken := make(chan any, 1)
	w := waitqueue.NewWaiter(func(d any) { woken <- d }, nil)

	if !interruptible {
		commit := thread.RegisterWait(q, w)
		commit()
		mu.Unlock()
		<-woken
		thread.EndWait()
		mu.Lock()
		return nil
	}

	interruptedCh := make(chan struct{}, 1)
	commit := thread.BeginInterruptibleWait(q, w, func() {
		if q.Unwait(w) {
			select {
			case interruptedCh <- struct{}{}:
			default:
			}
		}
	})
	commit()
	mu.Unlock()

	var err error
	select {
	case <-woken:
	case <-interruptedCh:
		err = errkind.New(errkind.Interrupted, "ipc.wait")
	}
	thread.EndInterruptibleWait()
	mu.Lock()
	return err
}

// Send delivers a message to c's peer (§3 "Channel pair": sending on one
// endpoint enqueues onto the other's queue), blocking while the peer's
// queue is full (unless req.NoWait). Handles named in req.Attachments are
// resolved from table before the send lock is acquired, and only
// uninstalled from table once the enqueue has actually committed — so a
// failed or still-blocked send never loses the caller's descriptors.
func (c *Channel) Send(table *DescriptorTable, req SendRequest) (uint64, error) {
	resolved := make([]Attachment, len(req.Attachments))
	for i, a := range req.Attachments {
		r, err := resolveAttachment(table, a)
		if err != nil {
			return 0, err
		}
		resolved[i] = r
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, errClosed
	}
	peer := c.peer
	var conv uint64
	if req.StartConversation {
		conv = c.nextConversationID()
	} else {
		conv = req.ConversationID
	}
	c.mu.Unlock()

	if peer == nil {
		return 0, errNoPeer
	}

	peer.mu.Lock()
	for peer.opts.capacity > 0 && len(peer.queue) >= peer.opts.capacity && !peer.closed {
		if req.NoWait {
			peer.mu.Unlock()
			return 0, errkind.New(errkind.ResourceUnavailable, "ipc.send")
		}
		if err := blockOn(&peer.mu, peer.notFull, req.Thread, false); err != nil {
			peer.mu.Unlock()
			return 0, err
		}
	}
	if peer.closed {
		peer.mu.Unlock()
		return 0, errClosed
	}
	peer.nextMsgID++
	msg := Message{
		ID:             peer.nextMsgID,
		ConversationID: conv,
		Body:           append([]byte(nil), req.Body...),
		Attachments:    resolved,
	}
	peer.queue = append(peer.queue, msg)
	peer.mu.Unlock()

	peer.arrival.WakeMany(1)

	for _, a := range req.Attachments {
		if a.Kind == AttachmentChannel {
			table.Uninstall(a.ChannelHandle)
		}
	}
	return conv, nil
}

// selectMessage returns the index Receive should act on: the FIFO head by
// default, or the first queued message whose ID matches matchID when set
// (§4.3 "receive flags": match-message-id).
func selectMessage(queue []Message, matchID *uint64) (int, bool) {
	if matchID == nil {
		if len(queue) == 0 {
			return 0, false
		}
		return 0, true
	}
	for i, m := range queue {
		if m.ID == *matchID {
			return i, true
		}
	}
	return 0, false
}

// buildReceiveResult translates a queued Message into the userspace-facing
// ReceiveResult. On peek, AttachmentChannel entries report their Kind but
// are not installed into table — ownership doesn't transfer.
func buildReceiveResult(msg Message, table *DescriptorTable, peek bool) ReceiveResult {
	res := ReceiveResult{MessageID: msg.ID, ConversationID: msg.ConversationID, Body: msg.Body}
	res.Attachments = make([]AttachmentResult, len(msg.Attachments))
	for i, a := range msg.Attachments {
		switch a.Kind {
		case AttachmentChannel:
			if peek {
				res.Attachments[i] = AttachmentResult{Kind: a.Kind}
			} else {
				res.Attachments[i] = AttachmentResult{Kind: a.Kind, ChannelHandle: table.Install(a.Channel)}
			}
		case AttachmentMappingCopy, AttachmentMappingShared:
			res.Attachments[i] = AttachmentResult{Kind: a.Kind, Mapping: a.Mapping}
		case AttachmentDataCopied:
			res.Attachments[i] = AttachmentResult{Kind: a.Kind, Data: a.Data}
		default:
			res.Attachments[i] = AttachmentResult{Kind: AttachmentNull}
		}
	}
	return res
}

// Receive dequeues the message req selects, blocking while none is
// available and c is open (unless req.NoWait or req.Interruptible fire
// first). Once c is closed, Receive continues draining whatever is already
// queued, only reporting errClosed once nothing matches (§4.3 "pending
// receives drain then permanent_outage"). AttachmentChannel entries are
// installed fresh into table, unless req.Peek is set.
func (c *Channel) Receive(table *DescriptorTable, req ReceiveRequest) (ReceiveResult, error) {
	if req.MatchMessageID != nil && !req.NoWait {
		return ReceiveResult{}, errkind.New(errkind.InvalidArgument, "ipc.receive")
	}

	c.mu.Lock()
	for {
		if idx, ok := selectMessage(c.queue, req.MatchMessageID); ok {
			if req.Peek {
				msg := c.queue[idx]
				c.mu.Unlock()
				return buildReceiveResult(msg, table, true), nil
			}
			break
		}
		if c.closed {
			c.mu.Unlock()
			return ReceiveResult{}, errClosed
		}
		if req.NoWait {
			c.mu.Unlock()
			return ReceiveResult{}, errkind.New(errkind.ResourceUnavailable, "ipc.receive")
		}
		if err := blockOn(&c.mu, c.arrival, req.Thread, req.Interruptible); err != nil {
			c.mu.Unlock()
			return ReceiveResult{}, err
		}
	}

	idx, _ := selectMessage(c.queue, req.MatchMessageID)
	msg := c.queue[idx]
	c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
	nowEmpty := len(c.queue) == 0
	hasRoom := c.opts.capacity <= 0 || len(c.queue) < c.opts.capacity
	c.mu.Unlock()

	c.removal.WakeMany(1 << 30)
	if nowEmpty {
		c.empty.WakeMany(1 << 30)
	}
	if hasRoom {
		c.notFull.WakeMany(1 << 30)
	}

	return buildReceiveResult(msg, table, false), nil
}

// Close marks c closed (§3 "Close semantics": one-way — only this endpoint
// stops accepting new sends; the peer is unaffected and must be closed
// separately).
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errAlreadyClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.closeSignal.WakeMany(1 << 30)
	c.notFull.WakeMany(1 << 30)
	c.arrival.WakeMany(1 << 30)
	return nil
}
