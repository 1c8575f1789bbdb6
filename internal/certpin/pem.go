package certpin

import (
	"encoding/pem"
	"fmt"
	"os"
)

// pemCertToDER loads exactly one "CERTIFICATE" PEM block from path and
// returns its DER bytes, rejecting files that contain more than one
// certificate.
func pemCertToDER(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("certpin: read %s: %w", path, err)
	}

	block, rest := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("certpin: %s does not contain a PEM certificate block", path)
	}

	if next, _ := pem.Decode(rest); next != nil && next.Type == "CERTIFICATE" {
		return nil, fmt.Errorf("certpin: %s contains more than one certificate", path)
	}

	return block.Bytes, nil
}
