//go:build !linux

package rtp

// На остальных платформах используем системные значения по умолчанию
func setSockOptBuffers(fd, recvBufSize, sendBufSize int) error {
	return nil
}

func setSockOptDSCP(fd, dscp int) error {
	return nil
}
