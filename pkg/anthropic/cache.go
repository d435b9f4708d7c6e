package anthropic

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint set to a 1-hour TTL. The validator reuses the same system
// prompt across every pair batch in a run, so the first call warms the
// cache and the rest read from it.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "1h",
			},
		},
	}
}
