package domain

// PriceTable holds the prices applied at usage-record time. A price change
// only affects future additions; historical cost is never recomputed.
type PriceTable struct {
	// TokenPrice is the price per 1000 chat tokens.
	TokenPrice float64
	// ImagePrices maps a size tier (e.g. "512x512") to the per-image price.
	ImagePrices map[string]float64
	// TranscriptionPrice is the price per minute of transcribed audio.
	TranscriptionPrice float64
}

// ImagePrice returns the price for a size tier, 0 when the tier is unknown.
func (p PriceTable) ImagePrice(size string) float64 {
	return p.ImagePrices[size]
}
