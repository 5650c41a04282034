package taskqueue

import "encoding/json"

// EncodeJob serializes a Job for queue backends that store bytes.
func EncodeJob(j Job) ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob deserializes a Job produced by EncodeJob.
func DecodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
