// Package socklb translates service frontends to backends at the socket
// layer. Each hook is a single synchronous call that reads the service
// directory, may update the bounded affinity, reverse translation and probe
// tables, and rewrites its context in place on success.
package socklb

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/easzlab/ezsock/pkg/affinity"
	"github.com/easzlab/ezsock/pkg/healthprobe"
	"github.com/easzlab/ezsock/pkg/lbmap"
	"github.com/easzlab/ezsock/pkg/metrics"
	"github.com/easzlab/ezsock/pkg/revnat"
	"github.com/easzlab/ezsock/pkg/sockaddr"
)

// Engine implements the socket hooks. It holds no per-connection state
// outside its tables and is safe for concurrent use.
type Engine struct {
	opts       Options
	services   ServiceReader
	identities IdentityLookup
	oracle     NamespaceOracle
	prober     SocketProber
	metrics    MetricsSink
	rand       func() uint32
	logger     *zap.Logger

	revnat   map[sockaddr.Family]ReverseTable
	affinity map[sockaddr.Family]AffinityTable
	health   HealthTable
}

// New creates an Engine and its tables.
func New(opts Options, deps Dependencies, logger *zap.Logger) (*Engine, error) {
	if deps.Services == nil || deps.Identities == nil || deps.Oracle == nil {
		return nil, errors.New("services, identities and oracle are required")
	}
	e := &Engine{
		opts:       opts,
		services:   deps.Services,
		identities: deps.Identities,
		oracle:     deps.Oracle,
		prober:     deps.Prober,
		metrics:    deps.Metrics,
		rand:       deps.Rand,
		logger:     logger,
		revnat:     make(map[sockaddr.Family]ReverseTable, 2),
		affinity:   make(map[sockaddr.Family]AffinityTable, 2),
	}
	if e.rand == nil {
		e.rand = rand.Uint32
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	for _, family := range []sockaddr.Family{sockaddr.FamilyV4, sockaddr.FamilyV6} {
		rev, err := revnat.New(opts.RevNatMaxEntries)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", family, err)
		}
		aff, err := affinity.NewWithClock(opts.AffinityMaxEntries, clock)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", family, err)
		}
		e.revnat[family] = rev
		e.affinity[family] = aff
	}
	health, err := healthprobe.New(opts.HealthMaxEntries)
	if err != nil {
		return nil, err
	}
	e.health = health

	logger.Info("socket load balancer initialized",
		zap.Bool("ipv4", opts.EnableIPv4),
		zap.Bool("ipv6", opts.EnableIPv6),
		zap.Bool("tcp", opts.EnableTCP),
		zap.Bool("udp", opts.EnableUDP),
		zap.Bool("host_only", opts.HostOnly),
		zap.Bool("nodeport", opts.EnableNodePort),
		zap.Bool("health_check_bind", opts.EnableHealthCheckBind),
	)
	return e, nil
}

// Hook names a socket operation the engine intercepts.
type Hook uint8

const (
	HookConnect Hook = iota + 1
	HookSendMsg
	HookRecvMsg
	HookGetPeerName
	HookBind
	HookPostBind
)

var hookNames = map[Hook]string{
	HookConnect:     "connect",
	HookSendMsg:     "sendmsg",
	HookRecvMsg:     "recvmsg",
	HookGetPeerName: "getpeername",
	HookBind:        "bind",
	HookPostBind:    "post_bind",
}

func (h Hook) String() string {
	if name, ok := hookNames[h]; ok {
		return name
	}
	return fmt.Sprintf("hook(%d)", uint8(h))
}

// ParseHook converts a hook name to a Hook.
func ParseHook(name string) (Hook, error) {
	for h, n := range hookNames {
		if n == name {
			return h, nil
		}
	}
	return 0, fmt.Errorf("unknown hook %q", name)
}

// Connect runs before connect(). Probe sockets are diverted to their
// registered peer; everything else is forward translated when it targets a
// service. Only a probe without registration is rejected.
func (e *Engine) Connect(sa *SockAddr) Verdict {
	v, _ := e.Invoke(HookConnect, sa)
	return v
}

// SendMsg runs before an unconnected datagram is sent.
func (e *Engine) SendMsg(sa *SockAddr) Verdict {
	v, _ := e.Invoke(HookSendMsg, sa)
	return v
}

// RecvMsg runs before the source of a received datagram is returned.
func (e *Engine) RecvMsg(sa *SockAddr) Verdict {
	v, _ := e.Invoke(HookRecvMsg, sa)
	return v
}

// GetPeerName runs before the peer address of a socket is returned.
func (e *Engine) GetPeerName(sa *SockAddr) Verdict {
	v, _ := e.Invoke(HookGetPeerName, sa)
	return v
}

// Bind runs before bind(). Probe sockets have their peer registered and are
// bound to the wildcard address instead; a failed registration rejects.
func (e *Engine) Bind(sa *SockAddr) Verdict {
	v, _ := e.Invoke(HookBind, sa)
	return v
}

// PostBind runs after bind() assigned the local address and rejects binds
// that would shadow a NodePort, ExternalIP or LoadBalancer frontend.
func (e *Engine) PostBind(sa *SockAddr) Verdict {
	v, _ := e.Invoke(HookPostBind, sa)
	return v
}

// Invoke runs hook on sa and returns the verdict together with the outcome
// of the underlying translation. A nil error means sa was rewritten, or for
// post_bind that no frontend conflicts.
func (e *Engine) Invoke(hook Hook, sa *SockAddr) (Verdict, error) {
	switch hook {
	case HookConnect:
		if e.isHealthProbe(sa) {
			err := e.HealthForward(sa)
			e.observe(hook, metrics.DirectionEgress, sa, err)
			if err != nil && !errors.Is(err, ErrNotApplicable) {
				return Reject, err
			}
			return Proceed, err
		}
		err := e.TranslateForward(sa, false)
		e.observe(hook, metrics.DirectionEgress, sa, err)
		return Proceed, err

	case HookSendMsg:
		if !e.opts.EnableUDP {
			return Proceed, ErrNotApplicable
		}
		var err error
		if !sa.Protocol.IsConnectionless() {
			err = ErrUnsupportedProtocol
		} else {
			err = e.TranslateForward(sa, true)
		}
		e.observe(hook, metrics.DirectionEgress, sa, err)
		return Proceed, err

	case HookRecvMsg, HookGetPeerName:
		if !e.reverseEnabled() {
			return Proceed, ErrNotApplicable
		}
		err := e.TranslateReverse(sa)
		e.observe(hook, metrics.DirectionIngress, sa, err)
		return Proceed, err

	case HookBind:
		err := e.PreBind(sa)
		if errors.Is(err, ErrNotApplicable) || errors.Is(err, ErrUnsupportedProtocol) {
			return Proceed, err
		}
		e.observe(hook, metrics.DirectionEgress, sa, err)
		if err != nil {
			return Reject, err
		}
		return Proceed, nil

	case HookPostBind:
		err := e.CheckBind(sa)
		if errors.Is(err, ErrAddrInUse) {
			e.observe(hook, metrics.DirectionIngress, sa, err)
			return Reject, err
		}
		return Proceed, err

	default:
		return Proceed, ErrNotApplicable
	}
}

// TableEntries returns the occupancy of every bounded table.
func (e *Engine) TableEntries() map[string]int {
	return map[string]int{
		"revnat4":   e.revnat[sockaddr.FamilyV4].Len(),
		"revnat6":   e.revnat[sockaddr.FamilyV6].Len(),
		"affinity4": e.affinity[sockaddr.FamilyV4].Len(),
		"affinity6": e.affinity[sockaddr.FamilyV6].Len(),
		"health":    e.health.Len(),
	}
}

func (e *Engine) protocolEnabled(protocol lbmap.Protocol) bool {
	switch protocol {
	case lbmap.ProtoTCP:
		return e.opts.EnableTCP
	case lbmap.ProtoUDP, lbmap.ProtoUDPLite:
		return e.opts.EnableUDP
	default:
		return false
	}
}

// reverseEnabled reports whether forward translations are recorded and
// reversed at all.
func (e *Engine) reverseEnabled() bool {
	return e.opts.EnableUDP || e.opts.EnablePeer
}

func (e *Engine) isHealthProbe(sa *SockAddr) bool {
	return e.opts.EnableHealthCheckBind && sa.Socket.Mark == HealthMark
}

func (e *Engine) observe(hook Hook, direction string, sa *SockAddr, err error) {
	reason := Reason(err)
	if e.metrics != nil {
		e.metrics.Update(direction, reason)
	}
	if ce := e.logger.Check(zap.DebugLevel, "socket hook"); ce != nil {
		ce.Write(
			zap.Stringer("hook", hook),
			zap.Stringer("family", sa.Family),
			zap.Stringer("protocol", sa.Protocol),
			zap.Stringer("address", sa.Addr),
			zap.Uint16("port", sa.Port),
			zap.Uint64("cookie", sa.Socket.Cookie),
			zap.String("reason", reason),
		)
	}
}
