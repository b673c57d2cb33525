package util

import (
	"io"
	"time"
)

type (
	// CostReader counts the bytes read from R and the time spent reading.
	CostReader struct {
		R    io.Reader
		n    int64
		cost time.Duration
	}
	// CostWriter counts the bytes written to W and the time spent writing.
	CostWriter struct {
		W    io.Writer
		n    int64
		cost time.Duration
	}
)

func (cr *CostReader) Read(p []byte) (n int, err error) {
	start := time.Now()
	n, err = cr.R.Read(p)
	cr.n += int64(n)
	cr.cost += time.Since(start)
	return n, err
}

func (cr *CostReader) Count() int64 {
	return cr.n
}

func (cr *CostReader) Cost() time.Duration {
	return cr.cost
}

func (cw *CostWriter) Write(p []byte) (n int, err error) {
	start := time.Now()
	n, err = cw.W.Write(p)
	cw.n += int64(n)
	cw.cost += time.Since(start)
	return n, err
}

func (cw *CostWriter) Count() int64 {
	return cw.n
}

func (cw *CostWriter) Cost() time.Duration {
	return cw.cost
}
