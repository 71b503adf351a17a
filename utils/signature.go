package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderTimestamp = "X-Monitor-Timestamp"
	HeaderSignature = "X-Monitor-Signature"
)

// EmptyBodyHash is the SHA256 hash of an empty body
const EmptyBodyHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// BuildStringToSign returns METHOD\nPATH\nTIMESTAMP\nSHA256(body).
func BuildStringToSign(method, path string, timestamp int64, bodyHash string) string {
	return fmt.Sprintf("%s\n%s\n%d\n%s", method, path, timestamp, bodyHash)
}

// ComputeHMACSHA256 returns the hex-encoded signature of message.
func ComputeHMACSHA256(secretKey, message string) string {
	h := hmac.New(sha256.New, []byte(secretKey))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// SecureCompare compares two signatures in constant time.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func HashBodySHA256(body []byte) string {
	if len(body) == 0 {
		return EmptyBodyHash
	}
	hash := sha256.Sum256(body)
	return hex.EncodeToString(hash[:])
}

// SignRequest stamps req with a timestamp and an HMAC over its method, path and body hash.
func SignRequest(req *http.Request, secretKey string, body []byte, now time.Time) {
	ts := now.Unix()
	stringToSign := BuildStringToSign(req.Method, req.URL.Path, ts, HashBodySHA256(body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, ComputeHMACSHA256(secretKey, stringToSign))
}

// VerifySignature checks a request signed by SignRequest, rejecting timestamps outside maxSkew.
func VerifySignature(req *http.Request, secretKey string, body []byte, now time.Time, maxSkew time.Duration) error {
	ts, err := strconv.ParseInt(req.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s header", HeaderTimestamp)
	}
	if time.Duration(Abs(now.Unix()-ts))*time.Second > maxSkew {
		return fmt.Errorf("request timestamp outside the allowed window")
	}

	want := ComputeHMACSHA256(secretKey, BuildStringToSign(req.Method, req.URL.Path, ts, HashBodySHA256(body)))
	if !SecureCompare(want, req.Header.Get(HeaderSignature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func Abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
