package provider

import "github.com/llxprt/llxprt/internal/types"

// Assemble merges streamed fragments into history-ready contents. Adapters
// emit non-overlapping fragments in order (text deltas, thinking segments,
// a final content carrying tool calls and usage); consecutive fragments
// from the same speaker collapse into one content with adjacent text
// blocks concatenated. Metadata merges with later fragments winning.
func Assemble(fragments []types.Content) []types.Content {
	var out []types.Content
	for _, f := range fragments {
		f = f.Clone()
		if len(out) == 0 || out[len(out)-1].Speaker != f.Speaker {
			out = append(out, f)
			continue
		}
		last := &out[len(out)-1]
		for _, b := range f.Blocks {
			n := len(last.Blocks)
			if b.Type == types.BlockText && n > 0 && last.Blocks[n-1].Type == types.BlockText {
				last.Blocks[n-1].Text += b.Text
				continue
			}
			if b.Type == types.BlockThinking && n > 0 && last.Blocks[n-1].Type == types.BlockThinking {
				last.Blocks[n-1].Text += b.Text
				continue
			}
			last.Blocks = append(last.Blocks, b)
		}
		if len(f.Metadata) > 0 {
			if last.Metadata == nil {
				last.Metadata = make(map[string]any, len(f.Metadata))
			}
			for k, v := range f.Metadata {
				last.Metadata[k] = v
			}
		}
	}
	return out
}
