package transport

import "strings"

// BuildingRequests is the Cloud's request channel
const BuildingRequests = "building:requests"

// EventsChannel carries automation events for a hub
func EventsChannel(hubID string) string { return "iot:events:" + hubID }

// HubRulesChannel carries binary rules for a hub
func HubRulesChannel(hubID string) string { return "hub:" + hubID + ":rules" }

// HubGraphChannel carries graph slices for a hub
func HubGraphChannel(hubID string) string { return "hub:" + hubID + ":graph" }

// MidGraphChannel carries region graphs for a mid
func MidGraphChannel(midID string) string { return "mid:" + midID + ":graph" }

// MidRequestsChannel carries graph and escalation requests from hubs
func MidRequestsChannel(midID string) string { return "mid:" + midID + ":requests" }

// MidRulesOutChannel carries rule envelopes the mid forwards to its hubs
func MidRulesOutChannel(midID string) string { return "mid:" + midID + ":rules_out" }

// MidRulesChannel carries rules addressed to the mid itself
func MidRulesChannel(midID string) string { return "mid:" + midID + ":rules" }

// AllMidGraphs matches every mid graph channel
const AllMidGraphs = "mid:*:graph"

// ChannelOwner returns the id segment of a hub:/mid:/iot:events: channel
func ChannelOwner(channel string) string {
	switch {
	case strings.HasPrefix(channel, "iot:events:"):
		return strings.TrimPrefix(channel, "iot:events:")
	case strings.HasPrefix(channel, "hub:"), strings.HasPrefix(channel, "mid:"):
		parts := strings.SplitN(channel, ":", 3)
		if len(parts) == 3 {
			return parts[1]
		}
	}
	return ""
}
