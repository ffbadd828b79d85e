package parser

import "strings"

// decoderFor maps a negotiated protocol name to the decoder that
// understands it. Matching is by substring rather than exact version
// string: real deployments rev protocol version suffixes ("/1.0.0",
// "/2.0.0") independently of wire-format changes this parser cares about,
// and pinning to one literal version would silently opaque-out an entire
// protocol family on every upgrade.
func decoderFor(protoName string) (decoder, bool) {
	switch {
	case strings.Contains(protoName, "gossipsub") || strings.Contains(protoName, "meshsub") || strings.Contains(protoName, "floodsub"):
		return decodeGossip, true
	case strings.Contains(protoName, "kad"):
		return decodeKademlia, true
	case strings.Contains(protoName, "identify"):
		return decodeIdentify, true
	case strings.Contains(protoName, "rpc"):
		return decodeRPC, true
	default:
		return nil, false
	}
}
