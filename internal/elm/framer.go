package elm

// Token is one unit of adapter output: either a response line or the '>'
// prompt that says the adapter is ready for the next command.
type Token struct {
	Prompt bool
	Line   string
}

const prompt = '>'

// Framer reassembles adapter output from arbitrarily chunked reads.
//
// '\r' and '\n' end a line; '>' ends a line and yields its own prompt token.
// Complete tokens are returned as soon as their terminator arrives, so the
// token sequence depends only on the byte stream, never on how it was split.
// Bytes after the last terminator stay buffered.
type Framer struct {
	buf []byte
}

// Feed appends p and returns the tokens it completed, in arrival order.
func (f *Framer) Feed(p []byte) []Token {
	f.buf = append(f.buf, p...)
	var out []Token
	start := 0
	for i, c := range f.buf {
		switch c {
		case '\r', '\n':
			if line := trim(f.buf[start:i]); line != "" {
				out = append(out, Token{Line: line})
			}
			start = i + 1
		case prompt:
			if line := trim(f.buf[start:i]); line != "" {
				out = append(out, Token{Line: line})
			}
			out = append(out, Token{Prompt: true})
			start = i + 1
		}
	}
	if start > 0 {
		f.buf = append(f.buf[:0], f.buf[start:]...)
	}
	return out
}

// Pending returns the bytes not yet attributed to a token.
func (f *Framer) Pending() int { return len(f.buf) }

// Reset drops any partial line.
func (f *Framer) Reset() { f.buf = f.buf[:0] }

// trim strips spaces, tabs and the NUL bytes some adapters emit after a reset.
func trim(b []byte) string {
	i, j := 0, len(b)
	for i < j && isSpace(b[i]) {
		i++
	}
	for j > i && isSpace(b[j-1]) {
		j--
	}
	return string(b[i:j])
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == 0
}
