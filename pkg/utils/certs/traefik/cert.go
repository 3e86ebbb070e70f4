package traefik

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// acme.json keeps certificate and key base64 encoded per resolved domain
type certEntry struct {
	Certificate string `json:"certificate"`
	Key         string `json:"key"`
}

// LoadCertificate reads a traefik acme.json file and extracts the
// certificate for domain.
func LoadCertificate(file, domain string) (tls.Certificate, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return tls.Certificate{}, err
	}
	return ParseCertificate(string(data), domain)
}

// ParseCertificate extracts the certificate for domain from acme.json
// content.
func ParseCertificate(jsonData, domain string) (tls.Certificate, error) {
	certData, keyData, err := extractCertData(jsonData, domain)
	if err != nil {
		return tls.Certificate{}, err
	}
	decodedCert, err := base64.StdEncoding.DecodeString(certData)
	if err != nil {
		return tls.Certificate{}, err
	}
	decodedKey, err := base64.StdEncoding.DecodeString(keyData)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(decodedCert, decodedKey)
}

// the resolver name at the top level is arbitrary, so the lookup searches
// every branch for a matching main domain
func extractCertData(jsonData, domain string) (cert, key string, err error) {
	obj, err := oj.ParseString(jsonData)
	if err != nil {
		return "", "", err
	}
	path, err := jp.ParseString(
		fmt.Sprintf(`$..Certificates[?(@.domain.main == %q)]`, domain))
	if err != nil {
		return "", "", err
	}
	res := path.Get(obj)
	if len(res) == 0 {
		return "", "", fmt.Errorf("no certificate for domain %s", domain)
	}
	entry := certEntry{}
	if err := oj.Unmarshal([]byte(oj.JSON(res[0])), &entry); err != nil {
		return "", "", err
	}
	return entry.Certificate, entry.Key, nil
}
