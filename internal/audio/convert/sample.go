// Package convert holds sample-format conversions used on the audio paths.
// All functions into preallocated destinations are allocation-free and safe
// for the device callbacks.
package convert

import (
	"encoding/binary"
	"math"
)

func Int16ToFloat32(dst []float32, src []int16) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = float32(src[i]) / 32767.0
	}
	return n
}

func Float32ToInt16(dst []int16, src []float32) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		v := src[i]
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		dst[i] = int16(v * 32767)
	}
	return n
}

// BytesToInt16 decodes little-endian S16 device bytes in place.
func BytesToInt16(dst []int16, src []byte) int {
	n := min(len(dst), len(src)/2)
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*2:]))
	}
	return n
}

// Float32ToBytes encodes little-endian F32 samples into device output bytes.
func Float32ToBytes(dst []byte, src []float32) int {
	n := min(len(dst)/4, len(src))
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(src[i]))
	}
	return n
}
