package protocol

import "strings"

// CapabilitySet is a negotiated capability tree: nested objects of boolean
// sub-flags such as "listChanged" or "subscribe". Membership is tested by
// dot-path lookup; absence or false at any segment means "not granted".
type CapabilitySet map[string]interface{}

// Has reports whether the dot-separated capability path is granted. Every
// intermediate segment must be a present, non-false object; the final segment
// may be true or an object (an object grants the bare path).
func (c CapabilitySet) Has(path string) bool {
	if c == nil || path == "" {
		return false
	}

	var node interface{} = map[string]interface{}(c)
	for _, segment := range strings.Split(path, ".") {
		tree, ok := node.(map[string]interface{})
		if !ok {
			if set, isSet := node.(CapabilitySet); isSet {
				tree = set
			} else {
				return false
			}
		}
		node, ok = tree[segment]
		if !ok {
			return false
		}
		if granted, isBool := node.(bool); isBool && !granted {
			return false
		}
	}

	switch v := node.(type) {
	case bool:
		return v
	case map[string]interface{}, CapabilitySet:
		return true
	default:
		return node != nil
	}
}

// Merge returns a shallow copy of c with the entries of other layered on top.
func (c CapabilitySet) Merge(other CapabilitySet) CapabilitySet {
	merged := make(CapabilitySet, len(c)+len(other))
	for k, v := range c {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// Capability category keys for server-side capability trees.
const (
	CapabilityTools     = "tools"
	CapabilityResources = "resources"
	CapabilityPrompts   = "prompts"
	CapabilityLogging   = "logging"
	CapabilitySampling  = "sampling"
	CapabilityRoots     = "roots"
)

// DefaultServerCapabilities returns the capability tree a fully featured
// server advertises.
func DefaultServerCapabilities() CapabilitySet {
	return CapabilitySet{
		CapabilityTools:     map[string]interface{}{"listChanged": true},
		CapabilityResources: map[string]interface{}{"listChanged": true, "subscribe": true},
		CapabilityPrompts:   map[string]interface{}{"listChanged": true},
		CapabilityLogging:   map[string]interface{}{},
		CapabilitySampling:  map[string]interface{}{},
	}
}

// DefaultClientCapabilities returns the capability tree a default client
// advertises.
func DefaultClientCapabilities() CapabilitySet {
	return CapabilitySet{
		CapabilityRoots:    map[string]interface{}{"listChanged": true},
		CapabilitySampling: map[string]interface{}{},
	}
}
