// Package priority classifies messages into delivery tiers.
//
// Classification is a pure lookup over the message type. Critical and
// high tiers bypass batching entirely; low-tier traffic is the only
// traffic the aggregator ever sees.
package priority
