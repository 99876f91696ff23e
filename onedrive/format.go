package onedrive

import "fmt"

// sizeUnits are successive factor-1024 units for formatSize.
var sizeUnits = []string{"B", "KB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}

// formatSize renders a byte count in the largest unit that keeps the
// scaled value below 1024, with two decimal places (1024 -> "1.00 KB").
func formatSize(size int64) string {
	v := float64(size)

	i := 0
	for v >= 1024 && i < len(sizeUnits)-1 {
		v /= 1024
		i++
	}

	return fmt.Sprintf("%.2f %s", v, sizeUnits[i])
}
