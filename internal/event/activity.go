// SPDX-License-Identifier: MIT

package event

import "strings"

// activityLabels maps path substrings to human-readable activity labels for
// the dashboard. First match in declaration order wins.
var activityLabels = []struct {
	fragment string
	label    string
}{
	{"login", "User Login"},
	{"users", "User Registration"},
	{"basket", "Cart Update"},
	{"products", "Product Browse"},
	{"challenges", "Scoreboard Check"},
	{"address", "Address Update"},
	{"deliverys", "Delivery Check"},
	{"quantitys", "Quantity Query"},
	{"socket.io", "Real-time Poll"},
	{"rest/admin", "App Config Fetch"},
	{"api/cards", "Payment Info"},
	{"wallet", "Wallet Check"},
}

// DefaultActivity is used for paths with no known label.
const DefaultActivity = "API Request"

// ActivityForPath infers a human-readable activity label from a request path.
func ActivityForPath(path string) string {
	lower := strings.ToLower(path)
	for _, entry := range activityLabels {
		if strings.Contains(lower, entry.fragment) {
			return entry.label
		}
	}
	return DefaultActivity
}
