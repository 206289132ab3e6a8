package efi

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"
)

// ErrMemoryMapUnstable is returned when the memory map keeps growing
// between the sizing call and the read.
var ErrMemoryMapUnstable = errors.New("memory map unstable")

// MemoryMap is a decoded snapshot of the firmware memory map.
type MemoryMap struct {
	Descriptors       []*MemoryDescriptor
	Key               uint64
	DescriptorSize    uint64
	DescriptorVersion uint32
}

// MemoryMap reads the firmware memory map.
//
// Allocating the buffer may itself grow the map, so BufferTooSmall is
// treated as a sizing signal: the buffer is released and the read retried
// with the newly reported size plus one descriptor of slack. Any other
// status is returned as is.
func (s *Services) MemoryMap() (*MemoryMap, error) {
	info, err := s.fw.GetMemoryMap(0, 0)
	if err != nil && !errors.Is(err, BufferTooSmall) {
		return nil, fmt.Errorf("GetMemoryMap: %w", err)
	}

	attempts := s.MapAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		m     *MemoryMap
		tries int
	)

	op := func() error {
		tries++

		stride := info.DescriptorSize
		if stride < DescriptorSize {
			stride = DescriptorSize
		}

		size := info.Size + stride

		buf, err := s.Allocate(LoaderData, size)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("memory map buffer: %w", err))
		}

		defer func() {
			if err := s.Free(buf, size); err != nil {
				klog.Warningf("release memory map buffer: %v", err)
			}
		}()

		got, err := s.fw.GetMemoryMap(buf, size)
		if errors.Is(err, BufferTooSmall) {
			klog.V(1).Infof("memory map grew to %d bytes (attempt %d)", got.Size, tries)
			info = got

			return err
		}

		if err != nil {
			return backoff.Permanent(fmt.Errorf("GetMemoryMap: %w", err))
		}

		raw := make([]byte, got.Size)
		if err := s.ReadAt(raw, buf); err != nil {
			return backoff.Permanent(err)
		}

		descs, err := DecodeMemoryMap(raw, got.DescriptorSize)
		if err != nil {
			return backoff.Permanent(err)
		}

		m = &MemoryMap{
			Descriptors:       descs,
			Key:               got.Key,
			DescriptorSize:    got.DescriptorSize,
			DescriptorVersion: got.DescriptorVersion,
		}

		return nil
	}

	b := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(attempts-1))

	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, BufferTooSmall) {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrMemoryMapUnstable, tries, err)
		}

		return nil, err
	}

	return m, nil
}
