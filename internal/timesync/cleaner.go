package timesync

const (
	minDeviceDiffUsec = 5_000
	maxDeviceDiffUsec = 300_000
	mismatchClampUsec = 4_000
)

// VideoTimestampCleaner converts host-synchronized times into a strictly
// monotonic presentation clock tolerant of large jumps. It is stateful per
// camera: construct one per camera stream.
type VideoTimestampCleaner struct {
	haveLast     bool
	lastDevice   int64
	lastSystem   int64
	lastOutput   int64
}

// NewVideoTimestampCleaner returns a cleaner with no prior reference.
func NewVideoTimestampCleaner() *VideoTimestampCleaner {
	return &VideoTimestampCleaner{}
}

// Clean takes the next device-clock and host-synchronized timestamps (both
// microseconds) and returns the cleaned presentation timestamp plus whether
// this sample was flagged as a discontinuity.
func (c *VideoTimestampCleaner) Clean(deviceUsec, systemUsec int64) (output int64, discontinuity bool) {
	if !c.haveLast {
		c.haveLast = true
		c.lastDevice, c.lastSystem, c.lastOutput = deviceUsec, systemUsec, systemUsec
		return systemUsec, true
	}

	deviceDiff := deviceUsec - c.lastDevice
	if deviceDiff < minDeviceDiffUsec || deviceDiff > maxDeviceDiffUsec {
		c.lastDevice, c.lastSystem, c.lastOutput = deviceUsec, systemUsec, systemUsec
		return systemUsec, true
	}

	systemDiff := systemUsec - c.lastSystem
	mismatch := deviceDiff - systemDiff
	if mismatch > mismatchClampUsec {
		mismatch = mismatchClampUsec
	} else if mismatch < -mismatchClampUsec {
		mismatch = -mismatchClampUsec
	}

	output = systemUsec + mismatch
	c.lastDevice, c.lastSystem, c.lastOutput = deviceUsec, systemUsec, output
	return output, false
}
