package cache

import "fmt"

func JobStatusKey(tenantID, jobID string) string {
	return fmt.Sprintf("job:%s:%s", tenantID, jobID)
}
