package dht

import (
	"errors"
	"net/netip"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/krpc"
	"github.com/sirupsen/logrus"
)

// handlePacket is the single inbound dispatch path: throttle, decode,
// correlate replies, dispatch queries.
func (s *Server) handlePacket(data []byte, from netip.AddrPort) {
	s.packetsIn.Add(1)
	if !s.throttle.Allow(from.Addr()) {
		s.throttled.Add(1)
		return
	}
	if from.Port() == 0 {
		return
	}

	msg, err := krpc.Decode(data)
	if err != nil {
		s.decodeErrors.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "handlePacket",
			"from":     from.String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed datagram")

		var de *krpc.DecodeError
		if errors.As(err, &de) && de.Kind == krpc.KindQuery && len(de.TransactionID) > 0 && !s.cfg.ReadOnly {
			s.sendReply(krpc.NewErrorReply(de.TransactionID, krpc.ErrCodeProtocol, de.Error()), from)
		}
		return
	}

	if s.events.active() {
		s.events.publish(Event{Type: EventMessageReceived, From: from, Message: msg})
	}

	switch msg.Kind {
	case krpc.KindQuery:
		s.transactions.HandleInbound(msg, from)
	case krpc.KindResponse:
		if s.transactions.HandleInbound(msg, from) {
			// Only nodes whose id fits their address may vote on ours.
			if msg.ClientAddr.IsValid() && msg.Return.ID.ValidForIP(from.Addr()) {
				s.ipVoter.Add(from.Addr(), msg.ClientAddr.Addr())
			}
			s.observe(krpc.NodeInfo{ID: msg.Return.ID, Addr: from}, true)
		}
	case krpc.KindError:
		s.transactions.HandleInbound(msg, from)
	}
}

// observe feeds a node we heard from into the routing table and, when its
// bucket is full, verifies the stalest member in the background.
func (s *Server) observe(info krpc.NodeInfo, responded bool) {
	outcome := s.routingTable.InsertOrUpdate(info, responded)
	if outcome.Stale == nil || s.ctx.Err() != nil {
		return
	}
	stale := outcome.Stale
	s.goTracked(func() {
		if _, err := s.Ping(s.ctx, stale.Addr); errors.Is(err, ErrTransactionTimeout) {
			s.routingTable.MarkBad(stale.ID)
		}
	})
}

// handleQuery answers one inbound query.
func (s *Server) handleQuery(msg *krpc.Message, from netip.AddrPort) {
	if s.cfg.ReadOnly {
		return
	}
	if !msg.ReadOnly && msg.Args.ID.ValidForIP(from.Addr()) {
		s.observe(krpc.NodeInfo{ID: msg.Args.ID, Addr: from}, false)
	}

	var (
		ret *krpc.Return
		err error
	)
	switch msg.Method {
	case krpc.MethodPing:
		ret = &krpc.Return{ID: s.ID()}
	case krpc.MethodFindNode:
		ret = s.handleFindNode(msg.Args)
	case krpc.MethodGetPeers:
		ret = s.handleGetPeers(msg.Args, from)
	case krpc.MethodAnnouncePeer:
		ret, err = s.handleAnnouncePeer(msg.Args, from)
	case krpc.MethodGet:
		ret = s.handleGet(msg.Args, from)
	case krpc.MethodPut:
		ret, err = s.handlePut(msg.Args, from)
	case krpc.MethodSampleInfoHashes:
		ret = s.handleSampleInfoHashes(msg.Args)
	default:
		s.sendReply(krpc.NewErrorReply(msg.TransactionID, krpc.ErrCodeMethodUnknown, "method unknown"), from)
		return
	}

	if err != nil {
		kerr := protocolError(err)
		logrus.WithFields(logrus.Fields{
			"function": "handleQuery",
			"method":   string(msg.Method),
			"from":     from.String(),
			"code":     kerr.Code,
			"error":    err.Error(),
		}).Debug("Rejecting query")
		s.sendReply(krpc.NewErrorReply(msg.TransactionID, kerr.Code, kerr.Message), from)
		return
	}

	s.queriesAnswered.Add(1)
	reply := krpc.NewResponse(msg.TransactionID, ret)
	reply.ClientAddr = from
	s.sendReply(reply, from)
}

func (s *Server) sendReply(reply *krpc.Message, to netip.AddrPort) {
	reply.Version = s.cfg.Version
	packet, err := krpc.Encode(reply)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendReply",
			"to":       to.String(),
			"error":    err.Error(),
		}).Warn("Failed to encode reply")
		return
	}
	if err := s.transport.Send(packet, to); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendReply",
			"to":       to.String(),
			"error":    err.Error(),
		}).Debug("Failed to send reply")
	}
}

// closestNodes fills the nodes and nodes6 keys with the K closest known
// nodes to target.
func (s *Server) closestNodes(ret *krpc.Return, target crypto.NodeID) {
	v4, v6 := krpc.SplitByFamily(nodeInfos(s.routingTable.FindClosest(target, s.cfg.K)))
	ret.Nodes = v4
	if ret.Nodes == nil {
		ret.Nodes = []krpc.NodeInfo{}
	}
	if len(v6) > 0 {
		ret.Nodes6 = v6
	}
}

func (s *Server) handleFindNode(args *krpc.Args) *krpc.Return {
	ret := &krpc.Return{ID: s.ID()}
	s.closestNodes(ret, args.Target)
	return ret
}

func (s *Server) handleGetPeers(args *krpc.Args, from netip.AddrPort) *krpc.Return {
	ret := &krpc.Return{ID: s.ID(), Token: s.tokens.Issue(from)}
	if peers := s.peers.Lookup(args.InfoHash); len(peers) > 0 {
		ret.Values = peers
	} else {
		s.closestNodes(ret, args.InfoHash)
	}
	return ret
}

func (s *Server) handleAnnouncePeer(args *krpc.Args, from netip.AddrPort) (*krpc.Return, error) {
	port := uint16(args.Port)
	if args.ImpliedPort {
		port = from.Port()
	}
	if port == 0 {
		return nil, &krpc.Error{Code: krpc.ErrCodeProtocol, Message: "invalid port"}
	}
	peer := netip.AddrPortFrom(from.Addr(), port)
	if err := s.peers.Announce(args.InfoHash, peer, args.Token, from); err != nil {
		return nil, err
	}
	s.events.publish(Event{Type: EventPeerAnnounced, From: from, Target: args.InfoHash, Peer: peer})
	return &krpc.Return{ID: s.ID()}, nil
}

func (s *Server) handleGet(args *krpc.Args, from netip.AddrPort) *krpc.Return {
	ret := &krpc.Return{ID: s.ID(), Token: s.tokens.Issue(from)}
	s.closestNodes(ret, args.Target)

	item, err := s.values.Get(args.Target)
	if err != nil {
		return ret
	}
	if !item.Mutable {
		ret.Value = item.Value
		return ret
	}
	seq := item.Seq
	ret.Seq = &seq
	if args.Seq != nil && item.Seq <= *args.Seq {
		// The requester already holds this version.
		return ret
	}
	key, sig := item.PublicKey, item.Signature
	ret.Value = item.Value
	ret.Key = &key
	ret.Signature = &sig
	return ret
}

func (s *Server) handlePut(args *krpc.Args, from netip.AddrPort) (*krpc.Return, error) {
	if args.Key == nil {
		if err := s.values.CheckToken(args.Token, from); err != nil {
			return nil, err
		}
		target, err := s.values.PutImmutable(args.Value)
		if err != nil {
			return nil, err
		}
		s.events.publish(Event{Type: EventValueStored, From: from, Target: target})
		return &krpc.Return{ID: s.ID()}, nil
	}

	put := &MutablePut{
		PublicKey: *args.Key,
		Salt:      args.Salt,
		Seq:       *args.Seq,
		Value:     args.Value,
		Signature: *args.Signature,
		CAS:       args.CAS,
	}
	if err := s.values.PutMutable(put, args.Token, from); err != nil {
		return nil, err
	}
	s.events.publish(Event{Type: EventValueStored, From: from, Target: put.Target()})
	return &krpc.Return{ID: s.ID()}, nil
}

func (s *Server) handleSampleInfoHashes(args *krpc.Args) *krpc.Return {
	num := int64(s.peers.Len())
	interval := int64(s.cfg.SampleInterval.Seconds())
	ret := &krpc.Return{
		ID:       s.ID(),
		Samples:  s.peers.InfoHashes(s.cfg.MaxSamples),
		Num:      &num,
		Interval: &interval,
	}
	s.closestNodes(ret, args.Target)
	return ret
}
