// dctl is the operator command line for a docket server.
package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/antonholmquist/jason"

	"github.com/ivlib/docket/util"
)

var (
	server = flag.String("server", "localhost:14000", "docket server to use")
	token  = flag.String("token", "", "API token")
	vendor = flag.String("vendor", "", "vendor filter for search")
	kind   = flag.String("type", "", "record type filter for search")
	status = flag.String("status", "", "record status filter for search")
	label  = flag.String("label", "", "label substring filter for search")
	usage  = `
dctl <command> <command arguments>

Possible commands:
    get <record id>

    search [-type t] [-status s] [-vendor v] [-label l]

    create <type> <label> [vendor [cost]]

    rm <record id>

    upload <record id> <file>

    detach <attachment id>

    link <attachment id> [ttl]

    audit <record id>

    sweep
`
)

func main() {
	flag.Parse()

	c := &Connection{HostURL: "http://" + *server, Token: *token}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println(usage)
		return
	}

	var err error
	switch args[0] {
	case "get":
		if len(args) != 2 {
			fmt.Println("Usage: get <record id>")
			os.Exit(1)
		}
		err = doget(c, args[1])
	case "search":
		err = dosearch(c)
	case "create":
		if len(args) < 3 {
			fmt.Println("Usage: create <type> <label> [vendor [cost]]")
			os.Exit(1)
		}
		err = docreate(c, args[1:])
	case "rm":
		if len(args) != 2 {
			fmt.Println("Usage: rm <record id>")
			os.Exit(1)
		}
		err = c.DeleteRecord(args[1])
	case "upload":
		if len(args) != 3 {
			fmt.Println("Usage: upload <record id> <file>")
			os.Exit(1)
		}
		err = doupload(c, args[1], args[2])
	case "detach":
		if len(args) != 2 {
			fmt.Println("Usage: detach <attachment id>")
			os.Exit(1)
		}
		err = c.Detach(args[1])
	case "link":
		if len(args) < 2 {
			fmt.Println("Usage: link <attachment id> [ttl]")
			os.Exit(1)
		}
		ttl := ""
		if len(args) > 2 {
			ttl = args[2]
		}
		err = dolink(c, args[1], ttl)
	case "audit":
		if len(args) != 2 {
			fmt.Println("Usage: audit <record id>")
			os.Exit(1)
		}
		err = doaudit(c, args[1])
	case "sweep":
		var n int64
		n, err = c.Sweep()
		if err == nil {
			fmt.Printf("reclaimed %d attachments\n", n)
		}
	default:
		fmt.Println(usage)
	}
	if err != nil {
		fmt.Println("Error:", err.Error())
		os.Exit(1)
	}
}

func doget(c *Connection, id string) error {
	rec, err := c.Record(id)
	if err != nil {
		return err
	}
	printRecord(rec)
	atts, err := c.Attachments(id)
	if err != nil {
		return err
	}
	if len(atts) > 0 {
		fmt.Println("Attachments:")
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSIZE\tTYPE\tSHA256")
		for _, a := range atts {
			aid, _ := a.GetString("ID")
			size, _ := a.GetInt64("Size")
			ctype, _ := a.GetString("ContentType")
			sum, _ := a.GetString("SHA256")
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", aid, size, ctype, sum)
		}
		w.Flush()
	}
	return nil
}

func printRecord(rec *jason.Object) {
	id, _ := rec.GetString("ID")
	kind, _ := rec.GetString("Type")
	status, _ := rec.GetString("Status")
	version, _ := rec.GetInt64("Version")
	label, _ := rec.GetString("Label")
	vendor, _ := rec.GetString("Vendor")
	cost, _ := rec.GetFloat64("Cost")
	fmt.Printf("ID:      %s\nType:    %s\nStatus:  %s\nVersion: %d\nLabel:   %s\nVendor:  %s\nCost:    %.2f\n",
		id, kind, status, version, label, vendor, cost)
}

func dosearch(c *Connection) error {
	records, err := c.SearchRecords(*kind, *status, *vendor, *label)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tVENDOR\tCOST\tLABEL")
	for _, rec := range records {
		id, _ := rec.GetString("ID")
		kind, _ := rec.GetString("Type")
		status, _ := rec.GetString("Status")
		vendor, _ := rec.GetString("Vendor")
		cost, _ := rec.GetFloat64("Cost")
		label, _ := rec.GetString("Label")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\n", id, kind, status, vendor, cost, label)
	}
	return w.Flush()
}

func docreate(c *Connection, args []string) error {
	body := map[string]interface{}{
		"Type":  args[0],
		"Label": args[1],
	}
	if len(args) > 2 {
		body["Vendor"] = args[2]
	}
	if len(args) > 3 {
		cost, err := strconv.ParseFloat(args[3], 64)
		if err != nil {
			return fmt.Errorf("bad cost %q: %s", args[3], err.Error())
		}
		body["Cost"] = cost
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	rec, err := c.CreateRecord(bytes.NewReader(buf))
	if err != nil {
		return err
	}
	printRecord(rec)
	return nil
}

func doupload(c *Connection, recordID, fname string) error {
	// hash the file first so the server can verify the transfer
	f, err := os.Open(fname)
	if err != nil {
		return err
	}
	hw := util.NewHashWriterPlain()
	if _, err = io.Copy(hw, f); err != nil {
		f.Close()
		return err
	}
	f.Close()
	sum := hex.EncodeToString(hw.Sum())

	contentType := mime.TypeByExtension(filepath.Ext(fname))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	f, err = os.Open(fname)
	if err != nil {
		return err
	}
	defer f.Close()
	a, err := c.Upload(recordID, f, sum, contentType)
	if err != nil {
		return err
	}
	aid, _ := a.GetString("ID")
	fmt.Printf("attached %s (%s)\n", aid, sum)
	return nil
}

func dolink(c *Connection, attachmentID, ttl string) error {
	link, err := c.Link(attachmentID, ttl)
	if err != nil {
		return err
	}
	url, _ := link.GetString("URL")
	expires, _ := link.GetString("Expires")
	fmt.Println(url)
	fmt.Println("expires", expires)
	return nil
}

func doaudit(c *Connection, recordID string) error {
	trail, err := c.Audit(recordID)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tWHO\tACTION\tDETAILS")
	for _, e := range trail {
		when, _ := e.GetString("CreatedAt")
		who, _ := e.GetString("Principal")
		action, _ := e.GetString("Action")
		details, _ := e.GetString("Details")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", when, who, action, details)
	}
	return w.Flush()
}

