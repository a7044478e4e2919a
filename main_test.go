package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestJsondbd(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "jsondbd")
}

const objects = `_type: _schemaType
name: ContactByLastName
schema:
  extends: View
---
- _type: Contact
  lastName: Doe
- _type: Contact
  lastName: Doe
---
_type: Reduce
_uuid: reduce-1
targetType: ContactByLastName
sourceType: Contact
sourceKeyName: lastName
targetValueName: count
add: "function(k, prev, c) { return (prev === undefined ? 0 : prev) + 1; }"
subtract: "function(k, prev, c) { return prev <= 1 ? undefined : prev - 1; }"
`

var _ = Describe("jsondbd", func() {
	var dir string

	run := func(args ...string) (string, error) {
		out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
		cmd := newRootCommand(out, errOut)
		cmd.SetArgs(append(args, "--data-dir", dir, "--metrics-addr", ""))
		err := cmd.Execute()
		return out.String(), err
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("should load objects and query views", func() {
		file := filepath.Join(dir, "objects.yaml")
		Expect(os.WriteFile(file, []byte(objects), 0o600)).To(Succeed())

		out, err := run("load", file)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("Reduce reduce-1"))

		out, err = run("query", "ContactByLastName")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring(`"count":2`))
		Expect(out).To(ContainSubstring(`"key":"Doe"`))

		out, err = run("graph", "--format", "mermaid")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HavePrefix("```mermaid"))
	})

	It("should print the version", func() {
		out, err := run("version")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("version dev"))
	})

	It("should reject an unknown graph format", func() {
		_, err := run("graph", "--format", "svg")
		Expect(err).To(HaveOccurred())
	})
})
