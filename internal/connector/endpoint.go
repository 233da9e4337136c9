package connector

import (
	"fmt"
	"strconv"

	"github.com/example/ilp-node/internal/accounting"
)

// EndpointKind selects the transport that delivers packets to an endpoint.
type EndpointKind string

const (
	KindPeer  EndpointKind = "peer"
	KindLocal EndpointKind = "local"
	KindBtp   EndpointKind = "btp"
	KindHTTP  EndpointKind = "http"
	KindIldcp EndpointKind = "ildcp"
)

// Endpoint is a packet source or destination. It is a closed set: the
// implementations below are the only ones.
type Endpoint interface {
	Kind() EndpointKind
	// UniqueID distinguishes endpoints in correlation keys.
	UniqueID() string
	endpoint()
}

// PeerEndpoint is another node reached over the peer transport.
type PeerEndpoint struct {
	NodeID      string
	AccountPath accounting.AccountPath
}

// LocalEndpoint is an in-process packet handler.
type LocalEndpoint struct {
	Hint             string
	LocalAddressPart string
}

// BtpEndpoint is a client connected over a BTP websocket. The client's
// address is the node address followed by LocalAddressPart.
type BtpEndpoint struct {
	ConnectionID     uint32
	LocalAddressPart string
}

// HTTPEndpoint is an ILP-over-HTTP counterparty. URL receives outgoing
// Prepares; it is empty for counterparties that only send to us.
type HTTPEndpoint struct {
	ID  string
	URL string
}

// IldcpEndpoint answers peer.config requests on behalf of the node.
type IldcpEndpoint struct{}

func (PeerEndpoint) Kind() EndpointKind  { return KindPeer }
func (LocalEndpoint) Kind() EndpointKind { return KindLocal }
func (BtpEndpoint) Kind() EndpointKind   { return KindBtp }
func (HTTPEndpoint) Kind() EndpointKind  { return KindHTTP }
func (IldcpEndpoint) Kind() EndpointKind { return KindIldcp }

func (e PeerEndpoint) UniqueID() string  { return "peer:" + e.NodeID }
func (e LocalEndpoint) UniqueID() string { return "local:" + e.LocalAddressPart }
func (e HTTPEndpoint) UniqueID() string  { return "http:" + e.ID }
func (IldcpEndpoint) UniqueID() string   { return "ildcp" }

func (e BtpEndpoint) UniqueID() string {
	return "btp:" + strconv.FormatUint(uint64(e.ConnectionID), 10)
}

func (PeerEndpoint) endpoint()  {}
func (LocalEndpoint) endpoint() {}
func (BtpEndpoint) endpoint()   {}
func (HTTPEndpoint) endpoint()  {}
func (IldcpEndpoint) endpoint() {}

// correlationKey identifies an in-flight Prepare by the endpoint it was sent
// to and the request id used on that link.
func correlationKey(e Endpoint, requestID string) string {
	return fmt.Sprintf("%s#%s", e.UniqueID(), requestID)
}

// EndpointAccounts maps endpoints to the ledger account they settle against.
type EndpointAccounts struct {
	// OwnerLedger holds the equity account used by every endpoint that is
	// not a peer.
	OwnerLedger accounting.LedgerID
}

// AccountFor returns the account debited when e sends us value and credited
// when we send value to e.
func (m EndpointAccounts) AccountFor(e Endpoint) accounting.AccountPath {
	switch ep := e.(type) {
	case PeerEndpoint:
		return ep.AccountPath
	case LocalEndpoint, BtpEndpoint, HTTPEndpoint, IldcpEndpoint:
		return accounting.OwnerEquityPath(m.OwnerLedger)
	default:
		panic(fmt.Sprintf("unknown endpoint type %T", e))
	}
}
