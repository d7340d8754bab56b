package zway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
)

// devicesResponse is the body of GET /devices.
type devicesResponse struct {
	Data struct {
		Devices []deviceRecord `json:"devices"`
	} `json:"data"`
}

// deviceRecord is one controller virtual device. Several records share a
// node id when a physical node exposes several channels.
type deviceRecord struct {
	ID         string `json:"id"`
	NodeID     nodeID `json:"nodeId"`
	Visibility bool   `json:"visibility"`
	ProbeType  string `json:"probeType"`
	DeviceType string `json:"deviceType"`
	Metrics    struct {
		Level any `json:"level"`
	} `json:"metrics"`
}

// nodeID accepts the node id as a JSON number or string.
// Zero, null and other types decode to "", which marks the record as
// not addressable.
type nodeID string

// UnmarshalJSON implements json.Unmarshaler.
func (n *nodeID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		*n = ""
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = nodeID(s)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return err
		}
		if f == 0 {
			*n = ""
			return nil
		}
		*n = nodeID(strconv.FormatFloat(f, 'f', -1, 64))
	default:
		*n = ""
	}
	return nil
}

// nodeCandidate is the snapshot view of one node.
type nodeCandidate struct {
	id         string
	properties []Property
}

// groupByNode filters the snapshot to visible, addressable records and groups
// them by node id. Nodes are returned in id order; properties keep snapshot
// order.
func groupByNode(records []deviceRecord) []nodeCandidate {
	index := make(map[string]int)
	var nodes []nodeCandidate

	for _, r := range records {
		if !r.Visibility || r.NodeID == "" || r.ID == "" {
			continue
		}
		name := r.ProbeType
		if name == "" {
			name = r.DeviceType
		}
		p := Property{Key: r.ID, Name: name, Value: r.Metrics.Level}

		id := string(r.NodeID)
		i, ok := index[id]
		if !ok {
			i = len(nodes)
			index[id] = i
			nodes = append(nodes, nodeCandidate{id: id})
		}
		nodes[i].properties = append(nodes[i].properties, p)
	}

	sort.SliceStable(nodes, func(i, j int) bool { return lessNodeID(nodes[i].id, nodes[j].id) })
	return nodes
}

// lessNodeID orders numeric ids numerically and everything else lexically.
func lessNodeID(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

// load fetches the device list and reconciles it into the registry.
//
// Unknown nodes are registered and announced with OnDevice. Known nodes have
// each snapshot property applied through SetProperty, which is silent for
// unchanged values. The result is discarded when epoch is no longer current.
func (c *Client) load(ctx context.Context, epoch uint64) error {
	resp, err := c.session.Call(ctx, devicesPath, nil)
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrReconciliation, resp.Status)
	}

	var payload devicesResponse
	if err := resp.Decode(&payload); err != nil {
		return fmt.Errorf("device list: %w", err)
	}
	nodes := groupByNode(payload.Data.Devices)

	type update struct {
		device     *Device
		properties []Property
	}
	var (
		created []*Device
		updates []update
	)

	c.mu.Lock()
	if c.epoch != epoch || c.closed {
		c.mu.Unlock()
		return errStaleEpoch
	}
	for _, n := range nodes {
		if d, ok := c.devices[n.id]; ok {
			updates = append(updates, update{device: d, properties: n.properties})
			continue
		}
		d := NewDevice(n.id, c, n.properties...)
		d.onChange = c.forwardChange
		c.devices[n.id] = d
		c.indexKeysLocked(d, n.properties)
		created = append(created, d)
	}
	c.mu.Unlock()

	for _, d := range created {
		c.logInfo("registered device", "id", d.ID(), "properties", len(d.Properties()))
		c.emit(func(l Listener) { l.OnDevice(d) })
	}
	for _, u := range updates {
		for _, p := range u.properties {
			u.device.setProperty(p)
		}
	}
	// Keys discovered on known devices become routable once stored.
	c.mu.Lock()
	for _, u := range updates {
		c.indexKeysLocked(u.device, u.properties)
	}
	c.mu.Unlock()

	c.logDebug("device list reconciled", "nodes", len(nodes), "new", len(created), "epoch", epoch)
	return nil
}
