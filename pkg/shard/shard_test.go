package shard

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

func TestShard(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Shard Suite")
}

var _ = Describe("Router", func() {
	It("should reject invalid shard counts", func() {
		_, err := NewRouter(0)
		Expect(err).To(HaveOccurred())
	})

	It("should route deterministically and within range", func() {
		r, err := NewRouter(4)
		Expect(err).NotTo(HaveOccurred())

		for _, key := range []string{"a", "b", "word", "another-key", ""} {
			s := r.Route(key)
			Expect(s).To(Equal(r.Route(key)))
			Expect(s).To(BeNumerically(">=", 0))
			Expect(s).To(BeNumerically("<", 4))
		}
	})

	It("should send every key to shard zero when unsharded", func() {
		r, err := NewRouter(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Route("anything")).To(Equal(0))
	})

	It("should partition a batch with one part per shard", func() {
		r, err := NewRouter(3)
		Expect(err).NotTo(HaveOccurred())

		batch := zset.NewBatch(5,
			zset.Row{Key: "a", Value: 1, Sign: 1},
			zset.Row{Key: "b", Value: 2, Sign: 1},
			zset.Row{Key: "c", Value: 3, Sign: -1},
			zset.Row{Key: "a", Value: 4, Sign: 1})

		parts := r.Partition(batch)
		Expect(parts).To(HaveLen(3))

		total := 0
		for i, part := range parts {
			Expect(part.Epoch).To(Equal(batch.Epoch))
			for _, row := range part.Rows {
				Expect(r.Route(row.Key)).To(Equal(i))
			}
			total += len(part.Rows)
		}
		Expect(total).To(Equal(len(batch.Rows)))
	})

	It("should keep all rows of one key in one partition", func() {
		r, err := NewRouter(8)
		Expect(err).NotTo(HaveOccurred())

		batch := zset.NewBatch(1,
			zset.Row{Key: "k", Value: 1, Sign: 1},
			zset.Row{Key: "k", Value: 2, Sign: 1})
		parts := r.Partition(batch)

		owner := r.Route("k")
		Expect(parts[owner].Rows).To(HaveLen(2))
	})
})
