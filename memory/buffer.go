package memory

import (
	"fmt"
	"sort"
)

// BufferRegions implements the full Process capability set against
// byte slices. It exists so that scans, instruction programs, and
// patches can be exercised without a live process; tests and the
// runnable examples build small fake address spaces with it.
type BufferRegions struct {
	regions []*bufferRegion
}

type bufferRegion struct {
	info Region
	data []byte
}

func NewBufferRegions() *BufferRegions {
	return &BufferRegions{}
}

// MapRegion adds a committed region at base backed by data, with the
// specified protection. Regions must not overlap.
func (o *BufferRegions) MapRegion(base uint64, prot Protection, data []byte) error {
	return o.addRegion(Region{
		Base:      base,
		Size:      uint64(len(data)),
		Committed: true,
		Protect:   prot,
	}, data)
}

// ReserveRegion adds an uncommitted region at base. Reads and writes
// inside it fail, mirroring reserved-but-unbacked address space.
func (o *BufferRegions) ReserveRegion(base uint64, size uint64) error {
	return o.addRegion(Region{
		Base: base,
		Size: size,
	}, nil)
}

func (o *BufferRegions) addRegion(info Region, data []byte) error {
	if info.Size == 0 {
		return fmt.Errorf("region size cannot be zero")
	}

	for _, existing := range o.regions {
		if info.Base < existing.info.End() && existing.info.Base < info.End() {
			return fmt.Errorf("region 0x%x-0x%x overlaps existing region 0x%x-0x%x",
				info.Base, info.End(), existing.info.Base, existing.info.End())
		}
	}

	o.regions = append(o.regions, &bufferRegion{
		info: info,
		data: data,
	})

	sort.Slice(o.regions, func(i, j int) bool {
		return o.regions[i].info.Base < o.regions[j].info.Base
	})

	return nil
}

func (o *BufferRegions) QueryRegion(addr uint64) (Region, error) {
	for _, region := range o.regions {
		if region.info.Contains(addr) || region.info.Base > addr {
			return region.info, nil
		}
	}

	return Region{}, ErrNoRegion
}

func (o *BufferRegions) ReadMem(addr uint64, p []byte) error {
	region, err := o.regionFor(addr, uint64(len(p)))
	if err != nil {
		return err
	}

	if !region.info.Committed || !region.info.Protect.Readable() {
		return fmt.Errorf("region 0x%x-0x%x is not readable",
			region.info.Base, region.info.End())
	}

	copy(p, region.data[addr-region.info.Base:])

	return nil
}

func (o *BufferRegions) WriteMem(addr uint64, p []byte) error {
	region, err := o.regionFor(addr, uint64(len(p)))
	if err != nil {
		return err
	}

	if !region.info.Committed || !region.info.Protect.Writable() {
		return fmt.Errorf("region 0x%x-0x%x is not writable",
			region.info.Base, region.info.End())
	}

	copy(region.data[addr-region.info.Base:], p)

	return nil
}

func (o *BufferRegions) ProtectMem(addr uint64, size uint64, prot Protection) (Protection, error) {
	region, err := o.regionFor(addr, size)
	if err != nil {
		return 0, err
	}

	old := region.info.Protect
	region.info.Protect = prot

	return old, nil
}

func (o *BufferRegions) regionFor(addr uint64, size uint64) (*bufferRegion, error) {
	for _, region := range o.regions {
		if !region.info.Contains(addr) {
			continue
		}

		if addr+size > region.info.End() {
			return nil, fmt.Errorf("range 0x%x+%d crosses the end of region 0x%x-0x%x",
				addr, size, region.info.Base, region.info.End())
		}

		return region, nil
	}

	return nil, fmt.Errorf("no region contains address 0x%x", addr)
}
