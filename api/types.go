package api

// InferRequest carries one InputDim x InputDim image, row-major.
type InferRequest struct {
	Input [][]float32 `json:"input"`
}

type InferResponse struct {
	ID     string    `json:"id"`
	Output []float32 `json:"output"`
	Argmax int       `json:"argmax"`
}

type DeviceResponse struct {
	Backend string `json:"backend"`
	Device  string `json:"device"`
	Session string `json:"session"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
