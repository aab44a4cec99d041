package rag

// TokenCodec maps text to model token ids and back. The splitter uses it for
// token-count windowing; implementations must round-trip losslessly enough
// that Decode(Encode(s)) preserves sentence punctuation, since boundary
// detection runs on decoded text.
//
// No codec ships with the pipeline. When token mode is requested without one,
// the splitter downgrades to character mode instead of failing.
type TokenCodec interface {
	Encode(text string) []int
	Decode(tokens []int) string
}
