package link

import "strconv"

// txQueue is the transmit buffer: encoded bytes plus a read cursor.
// 0 <= index <= len(buf) holds after every method.
type txQueue struct {
	buf    []byte
	index  int
	active bool // a job (or bare status query) is in flight
}

func (q *txQueue) push(b []byte) {
	q.buf = append(q.buf, b...)
	q.active = true
}

// cancel drops everything, sent or not.
func (q *txQueue) cancel() {
	q.buf = nil
	q.index = 0
	q.active = false
}

func (q *txQueue) empty() bool { return q.index >= len(q.buf) }

// next returns the first unsent byte. Callers check empty first.
func (q *txQueue) next() byte { return q.buf[q.index] }

// peek returns up to n unsent bytes without consuming them.
func (q *txQueue) peek(n int) []byte {
	end := q.index + n
	if end > len(q.buf) {
		end = len(q.buf)
	}
	return q.buf[q.index:end]
}

func (q *txQueue) advance(n int) {
	if n <= 0 {
		return
	}
	q.index += n
	if q.index > len(q.buf) {
		q.index = len(q.buf)
	}
}

// percentage formats 100*index/len; "" when the buffer is empty.
func (q *txQueue) percentage() string {
	if len(q.buf) == 0 {
		return ""
	}
	pct := 100 * float64(q.index) / float64(len(q.buf))
	return strconv.FormatFloat(pct, 'f', -1, 64)
}
