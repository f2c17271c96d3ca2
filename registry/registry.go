// Package registry provides peer discovery for nettalk channels.
//
// A listening peer registers the address it accepts connections on under its
// peer name; dialing peers discover those addresses instead of hardcoding
// them. The registry lives entirely outside the protocol core — a channel
// works identically over a hand-dialed connection.
package registry

// PeerInstance is one registered endpoint of a peer.
type PeerInstance struct {
	Addr    string
	Version string
}

// Registry is the discovery contract. TTL-based implementations drop
// instances whose owner stopped renewing, so crashed peers disappear on
// their own.
type Registry interface {
	Register(peerName string, instance PeerInstance, ttl int64) error
	Deregister(peerName string, addr string) error
	Discover(peerName string) ([]PeerInstance, error)
	Watch(peerName string) <-chan []PeerInstance
}
