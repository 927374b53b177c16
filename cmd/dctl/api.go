package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/antonholmquist/jason"
)

// Connection is a client for the docket server API.
type Connection struct {
	HostURL string
	Token   string
}

var (
	ErrNotFound      = errors.New("not found")
	ErrNotAuthorized = errors.New("not authorized")
)

func (c *Connection) do(req *http.Request) (*http.Response, error) {
	if c.Token != "" {
		req.Header.Set("X-Api-Key", c.Token)
	}
	return http.DefaultClient.Do(req)
}

// decode turns a response into a jason object, translating the common error
// statuses.
func decode(resp *http.Response) (*jason.Object, error) {
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 200, 201:
		return jason.NewObjectFromReader(resp.Body)
	case 404:
		return nil, ErrNotFound
	case 401:
		return nil, ErrNotAuthorized
	default:
		return nil, fmt.Errorf("received status %d from server", resp.StatusCode)
	}
}

func (c *Connection) getObject(path string) (*jason.Object, error) {
	resp, err := c.roundTrip("GET", path, nil, nil)
	if err != nil {
		return nil, err
	}
	return decode(resp)
}

func (c *Connection) getArray(path string) ([]*jason.Object, error) {
	resp, err := c.roundTrip("GET", path, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 200:
		v, err := jason.NewValueFromReader(resp.Body)
		if err != nil {
			return nil, err
		}
		vals, err := v.Array()
		if err != nil {
			return nil, err
		}
		objs := make([]*jason.Object, 0, len(vals))
		for _, val := range vals {
			obj, err := val.Object()
			if err != nil {
				return nil, err
			}
			objs = append(objs, obj)
		}
		return objs, nil
	case 404:
		return nil, ErrNotFound
	case 401:
		return nil, ErrNotAuthorized
	default:
		return nil, fmt.Errorf("received status %d from server", resp.StatusCode)
	}
}

func (c *Connection) roundTrip(verb, path string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequest(verb, c.HostURL+path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req)
}

// Record fetches one record.
func (c *Connection) Record(id string) (*jason.Object, error) {
	return c.getObject("/records/" + id)
}

// SearchRecords queries with the given filters; empty values are skipped.
func (c *Connection) SearchRecords(kind, status, vendor, label string) ([]*jason.Object, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("type", kind)
	}
	if status != "" {
		q.Set("status", status)
	}
	if vendor != "" {
		q.Set("vendor", vendor)
	}
	if label != "" {
		q.Set("label", label)
	}
	path := "/records"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.getArray(path)
}

// CreateRecord posts a new record document.
func (c *Connection) CreateRecord(body io.Reader) (*jason.Object, error) {
	resp, err := c.roundTrip("POST", "/records", body,
		map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return nil, err
	}
	return decode(resp)
}

// DeleteRecord removes a record; its attachments go to the sweeper.
func (c *Connection) DeleteRecord(id string) error {
	resp, err := c.roundTrip("DELETE", "/records/"+id, nil, nil)
	if err != nil {
		return err
	}
	_, err = decodeStatus(resp)
	return err
}

// Upload attaches the content as a document on the record. The sha256hex
// digest is declared up front so the server rejects corrupted transfers.
func (c *Connection) Upload(recordID string, content io.Reader, sha256hex, contentType string) (*jason.Object, error) {
	resp, err := c.roundTrip("POST", "/records/"+recordID+"/attachments", content,
		map[string]string{
			"X-Upload-Sha256": sha256hex,
			"Content-Type":    contentType,
		})
	if err != nil {
		return nil, err
	}
	return decode(resp)
}

// Attachments lists the committed attachments of a record.
func (c *Connection) Attachments(recordID string) ([]*jason.Object, error) {
	return c.getArray("/records/" + recordID + "/attachments")
}

// Detach orphans an attachment.
func (c *Connection) Detach(attachmentID string) error {
	resp, err := c.roundTrip("DELETE", "/attachments/"+attachmentID, nil, nil)
	if err != nil {
		return err
	}
	_, err = decodeStatus(resp)
	return err
}

// Link asks for a signed download link. ttl is a duration string like "15m";
// empty uses the server default.
func (c *Connection) Link(attachmentID, ttl string) (*jason.Object, error) {
	path := "/attachments/" + attachmentID + "/link"
	if ttl != "" {
		path += "?ttl=" + url.QueryEscape(ttl)
	}
	return c.getObject(path)
}

// Audit fetches the audit trail for a record.
func (c *Connection) Audit(recordID string) ([]*jason.Object, error) {
	return c.getArray("/records/" + recordID + "/audit")
}

// Sweep triggers a reconciliation pass and reports rows reclaimed.
func (c *Connection) Sweep() (int64, error) {
	resp, err := c.roundTrip("POST", "/admin/sweep", nil, nil)
	if err != nil {
		return 0, err
	}
	v, err := decode(resp)
	if err != nil {
		return 0, err
	}
	return v.GetInt64("Reclaimed")
}

func decodeStatus(resp *http.Response) (int, error) {
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 200:
		return 200, nil
	case 404:
		return 404, ErrNotFound
	case 401:
		return 401, ErrNotAuthorized
	default:
		return resp.StatusCode, fmt.Errorf("received status %d from server", resp.StatusCode)
	}
}
