// Package geo labels client IP addresses with a coarse location for session
// metadata. Client queries the ip-api.com JSON endpoint with a short
// timeout, limits the outbound rate and caches answers.
//
// Non-public addresses never leave the process: they are labelled
// "Internal network / VPN", and an empty address is "Unknown origin".
package geo
