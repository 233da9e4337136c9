// Package node assembles an ILP node from its configuration: the ledger and
// its bootstrap accounts, the packet processor, every transport and the
// ledger consumers (owner balance, audit chain, Kafka events).
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/grpc"

	"github.com/example/ilp-node/internal/accounting"
	"github.com/example/ilp-node/internal/api"
	"github.com/example/ilp-node/internal/auth"
	"github.com/example/ilp-node/internal/config"
	"github.com/example/ilp-node/internal/connector"
	"github.com/example/ilp-node/internal/events"
	"github.com/example/ilp-node/internal/exchange"
	"github.com/example/ilp-node/internal/routing"
	"github.com/example/ilp-node/internal/rpc"
	"github.com/example/ilp-node/internal/security"
	"github.com/example/ilp-node/internal/transport/btp"
	"github.com/example/ilp-node/internal/transport/ildcp"
	"github.com/example/ilp-node/internal/transport/ilphttp"
	"github.com/example/ilp-node/internal/transport/local"
	"github.com/example/ilp-node/internal/transport/peer"
	"github.com/example/ilp-node/pkg/audit"
	"github.com/example/ilp-node/pkg/ilp"
)

var ErrPeerExists = errors.New("peer already configured")

// Options carries the collaborators that need a network connection. Nil
// fields disable the matching feature.
type Options struct {
	Storage     accounting.Storage
	Bus         peer.Conn
	EventWriter events.MessageWriter
	HTTPClient  ilphttp.Doer
	Logger      *slog.Logger
}

type Node struct {
	cfg    *config.Config
	logger *slog.Logger
	owner  accounting.LedgerID

	Ledger    *accounting.Ledger
	Rates     *exchange.RateTable
	Routes    *routing.Table
	Processor *connector.Processor
	Balance   *accounting.OwnerBalance
	Audit     *audit.ChainLogger

	Local *local.Transport
	HTTP  *ilphttp.Transport
	BTP   *btp.Server
	Ildcp *ildcp.Server
	Peers *peer.Directory
	// PeerBus and Events are nil when no bus or event writer was given.
	PeerBus *peer.Transport
	Events  *events.KafkaPublisher
	// OAuth and Tokens are nil unless auth clients are configured.
	OAuth  *auth.OAuthServer
	Tokens *auth.JWTValidator

	mu      sync.Mutex
	closers []func()
}

// New builds a node and creates its bootstrap accounts.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Node, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Storage == nil {
		return nil, errors.New("node: storage is required")
	}

	n := &Node{
		cfg:    cfg,
		logger: logger,
		owner:  accounting.LedgerID(cfg.Node.OwnerLedger),
		Ledger: accounting.NewLedger(opts.Storage, logger),
		Rates:  exchange.NewRateTable(),
		Routes: routing.NewTable(logger),
		Audit:  audit.NewChainLogger(cfg.Audit.Capacity),
		Peers:  peer.NewDirectory(),
	}

	for _, l := range cfg.Ledgers {
		n.Rates.AddLedger(accounting.LedgerID(l.ID), exchange.Asset{Code: strings.ToUpper(l.Currency), Scale: int32(l.Scale)})
	}
	for code, rate := range cfg.Rates {
		if err := n.Rates.SetRate(strings.ToUpper(code), rate); err != nil {
			return nil, err
		}
	}
	if err := n.Rates.Validate(); err != nil {
		return nil, fmt.Errorf("exchange rates: %w", err)
	}

	for _, l := range cfg.Ledgers {
		if err := n.bootstrapLedger(ctx, accounting.LedgerID(l.ID)); err != nil {
			return nil, err
		}
	}

	maxAmount, err := cfg.MaxPacketAmount()
	if err != nil {
		return nil, err
	}
	senders := connector.NewSenderRegistry(logger)
	outcomes := connector.NewOutcomeCalculator(n.Ledger, n.Routes, n.Rates,
		connector.EndpointAccounts{OwnerLedger: n.owner},
		connector.Limits{
			MessageWindow:   cfg.Limits.MessageWindow,
			MaxHoldTime:     cfg.Limits.MaxHoldTime,
			MaxPacketAmount: maxAmount,
		})
	n.Processor = connector.NewProcessor(connector.ProcessorConfig{
		NodeAddress:   cfg.Node.Address,
		Ledger:        n.Ledger,
		Outcomes:      outcomes,
		Sender:        senders,
		PacketTimeout: cfg.Limits.PacketTimeout,
		PostTimeout:   cfg.Limits.PostTimeout,
		Logger:        logger,
	})

	client := opts.HTTPClient
	if client == nil {
		if client, err = newHTTPClient(cfg.HTTP); err != nil {
			return nil, err
		}
	}

	n.Local = local.NewTransport(n.Processor, n.Routes, cfg.Node.Address, logger)
	n.HTTP = ilphttp.NewTransport(n.Processor, client, cfg.HTTP.CallbackURL, logger)
	n.BTP = btp.NewServer(n.Processor, n.Routes, cfg.Node.Address, logger)
	n.Ildcp = ildcp.NewServer(n.Processor, cfg.Node.Address, n.owner, n.Rates, logger)
	n.Routes.AddFixedRoute(n.Ildcp.Route())

	senders.Register(connector.KindLocal, n.Local)
	senders.Register(connector.KindHTTP, n.HTTP)
	senders.Register(connector.KindBtp, n.BTP)
	senders.Register(connector.KindIldcp, n.Ildcp)
	if opts.Bus != nil {
		n.PeerBus = peer.NewTransport(opts.Bus, cfg.Node.ID, n.Processor, n.Peers, logger)
		senders.Register(connector.KindPeer, n.PeerBus)
	}

	for _, p := range cfg.Peers {
		limit, err := accounting.ParseLimit(p.Limit)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", p.NodeID, err)
		}
		if err := n.AddPeer(ctx, p.NodeID, accounting.LedgerID(p.Ledger), p.Prefix, limit); err != nil {
			return nil, err
		}
	}
	for _, r := range cfg.Routes {
		switch r.Kind {
		case "peer":
			e, ok := n.Peers.Get(r.Peer)
			if !ok {
				return nil, fmt.Errorf("route %s: %w: %s", r.Prefix, peer.ErrUnknownPeer, r.Peer)
			}
			n.Routes.AddPeerRoute(r.Prefix, e.NodeID, e.AccountPath.LedgerID())
		case "http":
			n.Routes.AddFixedRoute(r.Prefix, connector.HTTPEndpoint{ID: ilphttp.EndpointID(r.URL), URL: r.URL})
		default:
			return nil, fmt.Errorf("route %s: unknown kind %q", r.Prefix, r.Kind)
		}
	}

	if cfg.Auth.Enabled() {
		if err := n.setupAuth(cfg.Auth); err != nil {
			return nil, err
		}
	}

	n.Balance = accounting.NewOwnerBalance(n.Ledger, n.Rates, n.owner, logger)
	n.onClose(n.Balance.Attach())
	n.onClose(auditTransfers(n.Ledger, n.Audit))
	if opts.EventWriter != nil {
		n.Events = events.NewKafkaPublisher(opts.EventWriter, n.Rates, cfg.Kafka.Buffer, logger)
		n.onClose(n.Events.Attach(n.Ledger))
	}

	logger.Info("node ready",
		"address", cfg.Node.Address,
		"owner_ledger", n.owner,
		"ledgers", len(cfg.Ledgers),
		"peers", len(cfg.Peers),
		"routes", len(n.Routes.Routes()),
	)
	return n, nil
}

func (n *Node) setupAuth(cfg config.AuthConfig) error {
	var keys *auth.KeySet
	var err error
	if cfg.SigningKeyFile != "" {
		keys, err = auth.LoadKeySet(cfg.SigningKeyFile)
	} else {
		keys, err = auth.NewKeySet()
	}
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	clients := make([]auth.Client, 0, len(cfg.Clients))
	for _, c := range cfg.Clients {
		clients = append(clients, auth.Client{ID: c.ID, SecretHash: c.SecretHash, Scopes: c.Scopes})
	}
	store, err := auth.NewStaticClientStore(clients...)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	n.OAuth = &auth.OAuthServer{Store: store, Keys: keys, Issuer: cfg.Issuer, AccessTokenTTL: cfg.TokenTTL}
	n.Tokens = &auth.JWTValidator{KeySet: keys, Issuer: cfg.Issuer}
	return nil
}

// bootstrapLedger creates the accounts every ledger starts with.
func (n *Node) bootstrapLedger(ctx context.Context, id accounting.LedgerID) error {
	if err := n.Ledger.CreateAccount(ctx, accounting.OwnerEquityPath(id), accounting.WithLimit(accounting.DebitsMustNotExceedCredits)); err != nil {
		return fmt.Errorf("bootstrap ledger %s: %w", id, err)
	}
	for _, path := range []accounting.AccountPath{
		accounting.SettlementPath(id),
		accounting.FxRevenuePath(id),
		accounting.FxExpensesPath(id),
	} {
		if err := n.Ledger.CreateAccount(ctx, path); err != nil {
			return fmt.Errorf("bootstrap ledger %s: %w", id, err)
		}
	}
	return nil
}

// AddPeer creates the peer's accounts, registers it on the peer bus and
// routes prefix to it.
func (n *Node) AddPeer(ctx context.Context, nodeID string, ledger accounting.LedgerID, prefix string, limit accounting.Limit) error {
	if _, ok := n.Rates.Asset(ledger); !ok {
		return fmt.Errorf("peer %s: %w: %s", nodeID, exchange.ErrUnknownLedger, ledger)
	}
	if _, ok := n.Peers.Get(nodeID); ok {
		return fmt.Errorf("%w: %s", ErrPeerExists, nodeID)
	}
	if !ilp.ValidAddress(prefix) {
		return fmt.Errorf("peer %s: invalid prefix %q", nodeID, prefix)
	}

	if err := n.Ledger.CreateAccount(ctx, accounting.PeerAssetsPath(ledger, nodeID), accounting.WithLimit(limit)); err != nil {
		return fmt.Errorf("peer %s: %w", nodeID, err)
	}
	if err := n.Ledger.CreateAccount(ctx, accounting.PeerTrustPath(ledger, nodeID)); err != nil {
		return fmt.Errorf("peer %s: %w", nodeID, err)
	}
	n.Peers.Add(nodeID, ledger)
	n.Routes.AddPeerRoute(prefix, nodeID, ledger)
	n.logger.Info("peer added", "peer", nodeID, "ledger", ledger, "prefix", prefix, "limit", limit)
	return nil
}

// CreateLocalEndpoint registers an in-process endpoint under the node's
// address.
func (n *Node) CreateLocalEndpoint(hint string) *local.Endpoint {
	return n.Local.CreateEndpoint(hint)
}

// SendLinkLocalPacket sends a zero amount Prepare straight to a peer.
func (n *Node) SendLinkLocalPacket(ctx context.Context, nodeID string, prepare *ilp.Prepare) (ilp.Packet, error) {
	e, ok := n.Peers.Get(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", peer.ErrUnknownPeer, nodeID)
	}
	return n.Local.SendLinkLocalPacket(ctx, e, prepare)
}

// Handler returns the HTTP surface of the node.
func (n *Node) Handler(limiter *security.RedisTokenBucket) (http.Handler, error) {
	allowlist, err := security.ParseCIDRAllowlist(n.cfg.HTTP.IPAllowlist)
	if err != nil {
		return nil, fmt.Errorf("http.ip_allowlist: %w", err)
	}
	return api.NewRouter(api.Dependencies{
		Logger:       n.logger,
		OAuth:        n.OAuth,
		JWTValidator: n.Tokens,
		LedgerReader: n.Ledger,
		LedgerWriter: n.Ledger,
		Balance:      n.Balance,
		OwnerLedger:  n.owner,
		Routes:       n.Routes,
		Peers:        n,
		ILP:          n.HTTP.Routes(),
		BTP:          n.BTP,
		Auditor:      n.Audit,
		RateLimiter:  limiter,
		IPAllowlist:  allowlist,
		MaxBodyBytes: n.cfg.HTTP.MaxBodyBytes,
	})
}

// RegisterGRPC exposes the ledger read API on s.
func (n *Node) RegisterGRPC(s grpc.ServiceRegistrar) {
	rpc.RegisterLedgerServer(s, rpc.NewLedgerService(n.Ledger, n.Balance, n.owner))
}

// GRPCInterceptors returns the interceptors every gRPC call goes through.
func (n *Node) GRPCInterceptors() []grpc.UnaryServerInterceptor {
	interceptors := []grpc.UnaryServerInterceptor{rpc.LoggingInterceptor(n.logger)}
	if n.Tokens != nil {
		interceptors = append(interceptors, auth.UnaryServerInterceptor(n.Tokens, auth.ScopeLedgerRead))
	}
	return interceptors
}

// Run starts the peer subscription and the event stream and blocks until
// ctx is done.
func (n *Node) Run(ctx context.Context) error {
	if n.PeerBus != nil {
		if err := n.PeerBus.Start(); err != nil {
			return err
		}
		defer func() {
			if err := n.PeerBus.Close(); err != nil {
				n.logger.Warn("close peer transport", "error", err)
			}
		}()
	}
	if n.Events != nil {
		return n.Events.Run(ctx)
	}
	<-ctx.Done()
	return nil
}

// Close detaches every ledger subscriber.
func (n *Node) Close() {
	n.mu.Lock()
	closers := n.closers
	n.closers = nil
	n.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

func (n *Node) onClose(fn func()) {
	n.mu.Lock()
	n.closers = append(n.closers, fn)
	n.mu.Unlock()
}

// auditTransfers chains every posted and voided transfer into the audit log.
func auditTransfers(l *accounting.Ledger, chain *audit.ChainLogger) func() {
	record := func(event string) func(accounting.Transfer) {
		return func(t accounting.Transfer) {
			chain.Appendf(map[string]string{
				"event":     event,
				"debit":     t.DebitAccount.String(),
				"credit":    t.CreditAccount.String(),
				"amount":    t.Amount.String(),
				"immediate": fmt.Sprint(t.Immediate),
			})
		}
	}
	unPosted := l.Posted().Subscribe(record("transfer_posted"))
	unVoided := l.Voided().Subscribe(record("transfer_voided"))
	return func() {
		unPosted()
		unVoided()
	}
}
