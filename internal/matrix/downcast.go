package matrix

// Downcast narrows float64 feature columns to float32 storage. Feature
// matrices are large and short-lived per request; halving the column width
// keeps memory proportional to matrix size manageable. The index and labels
// are left untouched.
func Downcast(columns map[string][]float64) map[string][]float32 {
	out := make(map[string][]float32, len(columns))
	for name, col := range columns {
		narrow := make([]float32, len(col))
		for i, v := range col {
			narrow[i] = float32(v)
		}
		out[name] = narrow
	}
	return out
}
