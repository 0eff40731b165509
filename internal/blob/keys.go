package blob

import (
	"fmt"
	"strings"
)

const (
	inputPrefix  = "inputs/"
	outputPrefix = "outputs/"

	// OutputContentType is the content type of every prediction artifact.
	OutputContentType = "text/csv; charset=utf-8"
)

// OutputKey returns the deterministic artifact key for a job.
func OutputKey(tenantID, jobID string) string {
	return outputPrefix + tenantID + "/" + jobID + "/predictions.csv"
}

// CheckInputKey verifies key lives under inputs/<tenantID>/.
func CheckInputKey(tenantID, key string) error {
	return checkKey(inputPrefix+tenantID+"/", key)
}

// CheckOutputKey verifies key lives under outputs/<tenantID>/.
func CheckOutputKey(tenantID, key string) error {
	return checkKey(outputPrefix+tenantID+"/", key)
}

func checkKey(prefix, key string) error {
	if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
		return fmt.Errorf("%w: %q", ErrKeyOutsideTenant, key)
	}
	for _, seg := range strings.Split(key[len(prefix):], "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrKeyOutsideTenant, key)
		}
	}
	if strings.ContainsAny(key, "\\ \t\r\n") {
		return fmt.Errorf("%w: %q", ErrKeyOutsideTenant, key)
	}
	return nil
}
