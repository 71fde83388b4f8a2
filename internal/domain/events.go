package domain

// Pub/Sub channels and the durable stream vault events are published on.
const (
	ChannelPositions     = "vault:positions"
	ChannelMaturities    = "vault:maturities"
	ChannelYield         = "vault:yield"
	ChannelDistributions = "vault:distributions"
	StreamEvents         = "vault:events"
)
