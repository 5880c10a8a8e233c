package sim

import (
	"fmt"

	"hopnet/internal/packet"
)

type DroneSpec struct {
	ID       packet.NodeID
	DropRate float64
}

type ServerSpec struct {
	ID   packet.NodeID
	Echo bool
}

// Layout describes a whole simulated network. Endpoints get ports; drones and
// servers are run by the network itself.
type Layout struct {
	Drones    []DroneSpec
	Servers   []ServerSpec
	Endpoints []packet.Hop
	Links     [][2]packet.NodeID
}

// Build creates the network described by l and returns the endpoint ports by id.
func Build(seed int64, l Layout, opts ...Option) (*Network, map[packet.NodeID]*Port, error) {
	nw := NewNetwork(seed, opts...)
	for _, d := range l.Drones {
		if err := nw.AddDrone(d.ID, d.DropRate); err != nil {
			return nil, nil, err
		}
	}
	for _, s := range l.Servers {
		if err := nw.AddServer(s.ID, s.Echo); err != nil {
			return nil, nil, err
		}
	}
	ports := make(map[packet.NodeID]*Port, len(l.Endpoints))
	for _, e := range l.Endpoints {
		p, err := nw.AddEndpoint(e.ID, e.Type)
		if err != nil {
			return nil, nil, err
		}
		ports[e.ID] = p
	}
	for _, link := range l.Links {
		if err := nw.Connect(link[0], link[1]); err != nil {
			return nil, nil, fmt.Errorf("link %d-%d: %w", link[0], link[1], err)
		}
	}
	return nw, ports, nil
}
