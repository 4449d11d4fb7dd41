package fuzzy

import (
	"context"
	"net"
	"net/netip"

	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/port/out"
	"github.com/contentguard/scanner/pkg/logger"
)

// updateForbiddenValue is the magic reply value a write/del from outside
// the allow list receives, mirroring the source's HTTP-403 convention
// over a datagram protocol that has no status codes of its own.
const updateForbiddenValue = 403

// Server answers fuzzy datagrams over a net.PacketConn, gating
// Write/Del by a CIDR allow list (§6.2).
type Server struct {
	backend     out.FuzzyBackend
	allowUpdate []netip.Prefix
	defaultTTL  int64
}

func NewServer(backend out.FuzzyBackend, allowUpdate []netip.Prefix, defaultTTL int64) *Server {
	return &Server{backend: backend, allowUpdate: allowUpdate, defaultTTL: defaultTTL}
}

func (s *Server) allowed(addr netip.Addr) bool {
	for _, p := range s.allowUpdate {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Handle processes one datagram from peer and returns the bytes to
// reply with, or nil if the frame should be silently dropped (an
// invalid frame receives no reply at all, per §4.5).
func (s *Server) Handle(ctx context.Context, b []byte, peer netip.Addr) []byte {
	req, err := ParseRequest(b)
	if err != nil {
		logger.WithField("peer", peer.String()).Debug("fuzzy: dropping invalid frame")
		return nil
	}

	switch req.Cmd {
	case CmdCheck:
		return s.handleCheck(ctx, req)
	case CmdWrite:
		return s.handleWriteOrDel(ctx, req, peer, true)
	case CmdDel:
		return s.handleWriteOrDel(ctx, req, peer, false)
	default:
		return nil
	}
}

func (s *Server) handleCheck(ctx context.Context, req *Request) []byte {
	entry, found, err := s.backend.Check(ctx, req.Digest)
	if err != nil {
		return s.reply(req, false, 0, 0, 0)
	}
	if found {
		return s.reply(req, true, entry.Value, uint8(entry.Flag), 1.0)
	}
	if req.HasShingles {
		winner, votes, err := s.backend.CheckShingles(ctx, req.Shingles)
		if err == nil && winner != nil {
			prob := float32(votes) / float32(domain.ShingleCount)
			return s.reply(req, true, winner.Value, uint8(winner.Flag), prob)
		}
	}
	return s.reply(req, false, 0, 0, 0)
}

func (s *Server) handleWriteOrDel(ctx context.Context, req *Request, peer netip.Addr, write bool) []byte {
	if !s.allowed(peer) {
		return s.reply(req, false, updateForbiddenValue, 0, 0)
	}

	d := domain.FuzzyDigest{
		Version:     req.Version,
		Digest:      req.Digest,
		Shingles:    req.Shingles,
		HasShingles: req.HasShingles,
	}

	var err error
	if write {
		err = s.backend.Write(ctx, d, uint16(req.Flag), req.Value, s.defaultTTL)
	} else {
		err = s.backend.Delete(ctx, d)
	}
	if err != nil {
		logger.WithError(err).Error("fuzzy: backend update failed")
		return s.reply(req, false, 0, 0, 0)
	}
	return s.reply(req, true, req.Value, req.Flag, 1.0)
}

func (s *Server) reply(req *Request, ok bool, value int32, flag uint8, prob float32) []byte {
	if req.Legacy {
		return EncodeLegacyReply(ok, value, flag)
	}
	return EncodeReply(Reply{Value: value, Flag: flag, Prob: prob, Tag: req.Tag})
}

// PeerAddr converts a net.Addr (as delivered by net.PacketConn.ReadFrom)
// into the netip.Addr the allow-list check expects.
func PeerAddr(addr net.Addr) (netip.Addr, bool) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	a, ok := netip.AddrFromSlice(udpAddr.IP)
	return a, ok
}
