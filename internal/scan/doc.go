// Package scan holds the domain types shared by the resolver, matcher, sink,
// workers and controller: targets, keyword sets, matches, cycle state and the
// small interfaces adapters implement.
package scan
