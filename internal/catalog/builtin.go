package catalog

import "anivpn/internal/model"

// Builtin is a minimal demo set used when no catalog file is available.
// The endpoints are documentation addresses and will not complete a handshake.
func Builtin() []model.Server {
	wg := []string{ProtocolWireGuard}
	return []model.Server{
		{ID: "de-01", Country: "DE", City: "Frankfurt", Address: "198.51.100.21", Port: 51820,
			PublicKey: "TUBAPEhbIY0+4YUvx2Jq3dz+8CD+tE+/p6BHin1rkFY=", Protocols: wg, Bandwidth: "10 Gbps",
			Capabilities: model.Capabilities{Streaming: true, P2P: true}},
		{ID: "fr-01", Country: "FR", City: "Paris", Address: "203.0.113.9", Port: 51820,
			PublicKey: "XViyjLNhVqPqg1/jy0GNQkZ3IUd2ZsQBLZvVp2yCao8=", Protocols: wg, Bandwidth: "10 Gbps",
			Capabilities: model.Capabilities{Streaming: true}},
		{ID: "jp-01", Country: "JP", City: "Tokyo", Address: "192.0.2.44", Port: 51820,
			PublicKey: "V1vGZLeTzRq824dlT6HjKx41OaeMWyVGQGiSq/pK4Cs=", Protocols: wg, Bandwidth: "1 Gbps"},
		{ID: "nl-01", Country: "NL", City: "Amsterdam", Address: "198.51.100.7", Port: 51820,
			PublicKey: "eVREmy1JncQf17mjIS2Yj6WXJdhoSO6OPauSI+kjHKw=", Protocols: wg, Bandwidth: "10 Gbps",
			Capabilities: model.Capabilities{P2P: true, MultiHop: true}},
		{ID: "sg-01", Country: "SG", City: "Singapore", Address: "192.0.2.80", Port: 51820,
			PublicKey: "ioVAqy0fXjezx+5WidQoEqe4BDDipOACoSCSg5fXd8E=", Protocols: wg, Bandwidth: "1 Gbps"},
		{ID: "us-01", Country: "US", City: "New York", Address: "203.0.113.50", Port: 51820,
			PublicKey: "zuDoBoKyohWWx5mYZpjfAyZmD+FaCpQbLuRjv5Hw7Yg=", Protocols: wg, Bandwidth: "10 Gbps",
			Capabilities: model.Capabilities{Streaming: true, Obfuscation: true}},
	}
}
